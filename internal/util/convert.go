// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package util

import "strconv"

// IntToString converts an int to string without fmt overhead.
func IntToString(i int) string {
	return strconv.Itoa(i)
}

// Int64ToString converts an int64 to string without fmt overhead.
func Int64ToString(i int64) string {
	return strconv.FormatInt(i, 10)
}

// FloatToStringPrec converts a float64 to string with the given number of
// decimal places.
func FloatToStringPrec(f float64, prec int) string {
	return strconv.FormatFloat(f, 'f', prec, 64)
}

// Copyright 2025 KrakLabs
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published
// by the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE. See the
// GNU Affero General Public License for more details.
//
// You should have received a copy of the GNU Affero General Public License
// along with this program. If not, see <https://www.gnu.org/licenses/>.
//
// For commercial licensing, contact: licensing@kraklabs.com
//
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package ui provides the couchrepl CLI's colored terminal output helpers.
package ui

import (
	"fmt"
	"os"

	"github.com/fatih/color"
	"github.com/mattn/go-isatty"
)

var (
	Green  = color.New(color.FgGreen)
	Yellow = color.New(color.FgYellow)
	Red    = color.New(color.FgRed, color.Bold)
	Cyan   = color.New(color.FgCyan)
	Dim    = color.New(color.Faint)
)

// InitColors enables or disables color output. Colors are auto-disabled
// when stdout isn't a terminal or NO_COLOR is set, and force-disabled when
// noColor is true (the --no-color flag).
func InitColors(noColor bool) {
	if noColor || os.Getenv("NO_COLOR") != "" || !isatty.IsTerminal(os.Stdout.Fd()) {
		color.NoColor = true
	}
}

// Header prints a bold section title.
func Header(title string) {
	fmt.Println()
	_, _ = color.New(color.Bold).Println(title)
	fmt.Println()
}

// SubHeader prints a minor section title.
func SubHeader(title string) {
	_, _ = color.New(color.Bold).Println(title)
}

// Label renders a field label in bold text.
func Label(text string) string {
	return color.New(color.Bold).Sprint(text)
}

// DimText renders de-emphasized text, e.g. file paths.
func DimText(text string) string {
	return Dim.Sprint(text)
}

// CountText renders an integer count, highlighted when non-zero.
func CountText(n int) string {
	if n == 0 {
		return Dim.Sprint("0")
	}
	return Green.Sprintf("%d", n)
}

// Success prints a green success line.
func Success(msg string) {
	_, _ = Green.Print("✓ ")
	fmt.Println(msg)
}

// Successf is Success with formatting.
func Successf(format string, args ...interface{}) {
	Success(fmt.Sprintf(format, args...))
}

// Warning prints a yellow warning line to stderr.
func Warning(msg string) {
	_, _ = Yellow.Fprint(os.Stderr, "⚠ ")
	fmt.Fprintln(os.Stderr, msg)
}

// Warningf is Warning with formatting.
func Warningf(format string, args ...interface{}) {
	Warning(fmt.Sprintf(format, args...))
}

// Info prints an informational line to stderr.
func Info(msg string) {
	_, _ = Cyan.Fprint(os.Stderr, "ℹ ")
	fmt.Fprintln(os.Stderr, msg)
}

// Infof is Info with formatting.
func Infof(format string, args ...interface{}) {
	Info(fmt.Sprintf(format, args...))
}

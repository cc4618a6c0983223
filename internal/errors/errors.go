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

// Package errors provides the CLI-facing error taxonomy for couchrepl.
//
// Every CLI-surfaced error carries a short message, a detail line explaining
// what happened, and a hint telling the operator what to do next. FatalError
// prints this consistently and exits with status 1.
package errors

import (
	"encoding/json"
	stderrors "errors"
	"fmt"
	"os"

	"github.com/kraklabs/couchrepl/pkg/replicator"
)

// Kind classifies a CLIError for exit-code and presentation purposes.
type Kind string

const (
	KindConfig     Kind = "config"
	KindInput      Kind = "input"
	KindPermission Kind = "permission"
	KindNetwork    Kind = "network"
	KindDatabase   Kind = "database"
	KindInternal   Kind = "internal"
)

// CLIError is a user-facing error with a message, detail, and actionable hint.
type CLIError struct {
	Kind    Kind
	Message string
	Detail  string
	Hint    string
	Cause   error
}

func (e *CLIError) Error() string {
	if e.Detail != "" {
		return fmt.Sprintf("%s: %s", e.Message, e.Detail)
	}
	return e.Message
}

func (e *CLIError) Unwrap() error { return e.Cause }

func newError(kind Kind, message, detail, hint string, cause error) *CLIError {
	return &CLIError{Kind: kind, Message: message, Detail: detail, Hint: hint, Cause: cause}
}

// NewConfigError reports an invalid or missing replication.yaml condition.
func NewConfigError(message, detail, hint string, cause error) *CLIError {
	return newError(KindConfig, message, detail, hint, cause)
}

// NewInputError reports a missing confirmation flag or bad CLI argument.
// Unlike the other constructors, it takes no cause: bad input is never
// wrapping an underlying Go error, it's the operator's own mistake.
func NewInputError(message, detail, hint string) *CLIError {
	return newError(KindInput, message, detail, hint, nil)
}

// NewPermissionError reports a filesystem permission failure.
func NewPermissionError(message, detail, hint string, cause error) *CLIError {
	return newError(KindPermission, message, detail, hint, cause)
}

// NewNetworkError reports a failure to reach a peer.
func NewNetworkError(message, detail, hint string, cause error) *CLIError {
	return newError(KindNetwork, message, detail, hint, cause)
}

// NewDatabaseError reports a failure reading/writing replication log state.
func NewDatabaseError(message, detail, hint string, cause error) *CLIError {
	return newError(KindDatabase, message, detail, hint, cause)
}

// NewInternalError reports a bug: something the operator cannot fix by
// reconfiguring, that should be reported upstream.
func NewInternalError(message, detail, hint string, cause error) *CLIError {
	return newError(KindInternal, message, detail, hint, cause)
}

// jsonError is the shape written to stdout when --json is set.
type jsonError struct {
	Kind    Kind   `json:"kind"`
	Message string `json:"message"`
	Detail  string `json:"detail,omitempty"`
	Hint    string `json:"hint,omitempty"`
}

// FatalError prints err to stderr (or as JSON to stdout when jsonOutput is
// set) and exits the process with status 1. It never returns.
func FatalError(err error, jsonOutput bool) {
	cliErr, ok := err.(*CLIError)
	if !ok {
		var cfgErr *replicator.ConfigError
		if stderrors.As(err, &cfgErr) {
			cliErr = &CLIError{Kind: KindConfig, Message: "Invalid replication configuration", Detail: cfgErr.Message, Cause: err}
		} else {
			cliErr = &CLIError{Kind: KindInternal, Message: err.Error()}
		}
	}

	if jsonOutput {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		_ = enc.Encode(jsonError{
			Kind:    cliErr.Kind,
			Message: cliErr.Message,
			Detail:  cliErr.Detail,
			Hint:    cliErr.Hint,
		})
		os.Exit(1)
	}

	fmt.Fprintf(os.Stderr, "Error: %s\n", cliErr.Message)
	if cliErr.Detail != "" {
		fmt.Fprintf(os.Stderr, "  %s\n", cliErr.Detail)
	}
	if cliErr.Hint != "" {
		fmt.Fprintf(os.Stderr, "  Hint: %s\n", cliErr.Hint)
	}
	if cliErr.Kind == KindInternal {
		fmt.Fprintln(os.Stderr, "  This looks like a bug. Please report it with reproduction steps.")
	}
	os.Exit(1)
}

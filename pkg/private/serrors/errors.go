// Copyright 2024 OpenEPC
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//   http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package serrors provides enhanced errors. Errors created with serrors can
// carry additional log context in the form of key value pairs. The package
// provides wrapping constructors whose results support the standard Is and As
// functionality: for any error err returned by this package, errors.Is(err,
// err) is true, and if err wraps or joins err2, errors.Is(err, err2) is true.
package serrors

import (
	"errors"
	"fmt"
	"sort"
	"strings"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// ctxPair is one item of context info.
type ctxPair struct {
	Key   string
	Value any
}

// basicError is an error with an attached message, context and optional cause.
type basicError struct {
	msg   string
	base  error
	ctx   []ctxPair
	cause error
}

func (e *basicError) Error() string {
	var sb strings.Builder
	if e.base != nil {
		sb.WriteString(e.base.Error())
	} else {
		sb.WriteString(e.msg)
	}
	if len(e.ctx) != 0 {
		sb.WriteString(" {")
		for i, p := range e.ctx {
			if i != 0 {
				sb.WriteString("; ")
			}
			fmt.Fprintf(&sb, "%s=%v", p.Key, p.Value)
		}
		sb.WriteString("}")
	}
	if e.cause != nil {
		fmt.Fprintf(&sb, ": %s", e.cause)
	}
	return sb.String()
}

func (e *basicError) Unwrap() []error {
	var errs []error
	if e.base != nil {
		errs = append(errs, e.base)
	}
	if e.cause != nil {
		errs = append(errs, e.cause)
	}
	return errs
}

// MarshalLogObject implements zapcore.ObjectMarshaler for a nicer log
// representation.
func (e *basicError) MarshalLogObject(enc zapcore.ObjectEncoder) error {
	if e.base != nil {
		enc.AddString("msg", e.base.Error())
	} else {
		enc.AddString("msg", e.msg)
	}
	if e.cause != nil {
		if m, ok := e.cause.(zapcore.ObjectMarshaler); ok {
			if err := enc.AddObject("cause", m); err != nil {
				return err
			}
		} else {
			enc.AddString("cause", e.cause.Error())
		}
	}
	for _, pair := range e.ctx {
		zap.Any(pair.Key, pair.Value).AddTo(enc)
	}
	return nil
}

func mkCtx(errCtx ...any) []ctxPair {
	np := len(errCtx) / 2
	ctx := make([]ctxPair, np)
	for i := 0; i < np; i++ {
		ctx[i] = ctxPair{Key: fmt.Sprint(errCtx[2*i]), Value: errCtx[2*i+1]}
	}
	sort.Slice(ctx, func(a, b int) bool {
		return ctx[a].Key < ctx[b].Key
	})
	return ctx
}

// New creates a new error with the given message and context.
// To make sentinel errors, errors.New should be preferred.
func New(msg string, errCtx ...any) error {
	return &basicError{
		msg: msg,
		ctx: mkCtx(errCtx...),
	}
}

// Wrap returns an error that associates the given message with the given
// cause (an underlying error) unless nil, and the given context. The returned
// error supports Is: Is(cause) returns true.
func Wrap(msg string, cause error, errCtx ...any) error {
	return &basicError{
		msg:   msg,
		ctx:   mkCtx(errCtx...),
		cause: cause,
	}
}

// Join returns an error that associates the given error (typically a unique
// sentinel) with the given cause unless nil, and the given context. The
// returned error supports Is: Is(err) returns true, and if cause isn't nil,
// Is(cause) returns true.
func Join(err, cause error, errCtx ...any) error {
	if err == nil && cause == nil {
		return nil
	}
	return &basicError{
		base:  err,
		ctx:   mkCtx(errCtx...),
		cause: cause,
	}
}

// IsTimeout returns whether err is or is caused by a timeout error.
func IsTimeout(err error) bool {
	var t interface{ Timeout() bool }
	return errors.As(err, &t) && t.Timeout()
}

// List is a slice of errors.
type List []error

// Error implements the error interface.
func (e List) Error() string {
	s := make([]string, 0, len(e))
	for _, err := range e {
		s = append(s, err.Error())
	}
	return fmt.Sprintf("[ %s ]", strings.Join(s, "; "))
}

// ToError returns the object as error interface implementation.
func (e List) ToError() error {
	if len(e) == 0 {
		return nil
	}
	return e
}

// MarshalLogArray implements zapcore.ArrayMarshaller for a nicer logging
// format of error lists.
func (e List) MarshalLogArray(ae zapcore.ArrayEncoder) error {
	for _, err := range e {
		if m, ok := err.(zapcore.ObjectMarshaler); ok {
			if err := ae.AppendObject(m); err != nil {
				return err
			}
		} else {
			ae.AppendString(err.Error())
		}
	}
	return nil
}

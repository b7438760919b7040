// Copyright 2024-2026 Madhukar Beema, Distinguished Engineer. All rights reserved.
// Use of this source code is governed by the Business Source License
// included in the LICENSE file of this repository.

// Package caller resolves the identity of the code that opened a tracker.
//
// The runtime resolver walks the call stack, skips calltrace-internal frames
// and returns the first foreign frame split into a class part (receiver type
// or package) and a method part. It is an injectable collaborator so tests
// and other platforms can substitute their own resolution.
package caller

import (
	"errors"
	"fmt"
	"runtime"
	"strings"
)

// Identity names the immediate caller of a tracking entry point.
type Identity struct {
	ClassName  string
	MethodName string
}

// Resolver resolves the caller identity for the current call stack.
type Resolver interface {
	Resolve() (Identity, error)
}

// ErrUnresolved is returned when no foreign frame can be found on the stack.
var ErrUnresolved = errors.New("caller: unable to resolve caller identity")

// defaultSkipPrefixes are the calltrace-internal packages whose frames are
// never the caller. The trailing dot separates the package path from the
// symbol, so external test packages (".../tracker_test.") are not skipped.
var defaultSkipPrefixes = []string{
	"github.com/mbeema/calltrace/pkg/tracker.",
	"github.com/mbeema/calltrace/pkg/caller.",
	"runtime.",
}

// RuntimeResolver resolves caller identity from the goroutine's call stack.
type RuntimeResolver struct {
	skipPrefixes []string
}

// NewRuntimeResolver creates a resolver with the default skip list.
// Additional prefixes extend the list, for wrappers that should be treated
// as part of the instrumentation rather than as callers.
func NewRuntimeResolver(extraSkip ...string) *RuntimeResolver {
	prefixes := make([]string, 0, len(defaultSkipPrefixes)+len(extraSkip))
	prefixes = append(prefixes, defaultSkipPrefixes...)
	prefixes = append(prefixes, extraSkip...)
	return &RuntimeResolver{skipPrefixes: prefixes}
}

// Resolve walks up the stack and returns the first frame outside the skip
// list, split into class and method names.
func (r *RuntimeResolver) Resolve() (Identity, error) {
	var pcs [32]uintptr
	n := runtime.Callers(2, pcs[:])
	if n == 0 {
		return Identity{}, ErrUnresolved
	}

	frames := runtime.CallersFrames(pcs[:n])
	for {
		frame, more := frames.Next()
		if frame.Function != "" && !r.skipped(frame.Function) {
			id, ok := splitFunction(frame.Function)
			if !ok {
				return Identity{}, fmt.Errorf("%w: unparseable frame %q", ErrUnresolved, frame.Function)
			}
			return id, nil
		}
		if !more {
			break
		}
	}
	return Identity{}, ErrUnresolved
}

func (r *RuntimeResolver) skipped(fn string) bool {
	for _, p := range r.skipPrefixes {
		if strings.HasPrefix(fn, p) {
			return true
		}
	}
	return false
}

// splitFunction turns a fully qualified symbol into an Identity.
//
//	example.com/app/svc.(*Server).Handle → {Server, Handle}
//	example.com/app/svc.Server.Handle    → {Server, Handle}
//	example.com/app/svc.Process          → {svc, Process}
func splitFunction(fn string) (Identity, bool) {
	// Strip the package path directory; the remainder is pkg.symbol.
	short := fn
	if i := strings.LastIndex(fn, "/"); i >= 0 {
		short = fn[i+1:]
	}

	pkg, rest, ok := strings.Cut(short, ".")
	if !ok || rest == "" {
		return Identity{}, false
	}

	// Method on a receiver: (*Type).Method or Type.Method.
	if recv, method, ok := strings.Cut(rest, "."); ok && method != "" {
		recv = strings.TrimPrefix(recv, "(*")
		recv = strings.TrimSuffix(recv, ")")
		if recv != "" {
			return Identity{ClassName: recv, MethodName: method}, true
		}
	}

	// Plain function: the package stands in for the class.
	return Identity{ClassName: pkg, MethodName: rest}, true
}

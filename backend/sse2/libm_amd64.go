/*
 * Copyright 2021 ByteDance Inc.
 *
 * Licensed under the Apache License, Version 2.0 (the "License");
 * you may not use this file except in compliance with the License.
 * You may obtain a copy of the License at
 *
 *     http://www.apache.org/licenses/LICENSE-2.0
 *
 * Unless required by applicable law or agreed to in writing, software
 * distributed under the License is distributed on an "AS IS" BASIS,
 * WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 * See the License for the specific language governing permissions and
 * limitations under the License.
 */

package sse2

import (
	"math"
	"reflect"
)

// libmAddrs resolves the Go math package's transcendental functions to
// their compiled entry points. A generated kernel calls through one of
// these rather than linking libm directly: this module has no cgo
// toolchain dependency, and Go's register-based calling convention for
// a func(float64) float64 (or func(float64, float64) float64) happens
// to pass and return its floats in X0/X1 exactly like the System V
// ABI a hand-written kernel already speaks, so the call sequence below
// needs no extra adaptation layer.
var libmAddrs = map[string]uintptr{
	"exp": reflect.ValueOf(math.Exp).Pointer(),
	"log": reflect.ValueOf(math.Log).Pointer(),
	"sin": reflect.ValueOf(math.Sin).Pointer(),
	"cos": reflect.ValueOf(math.Cos).Pointer(),
	"tan": reflect.ValueOf(math.Tan).Pointer(),
	"pow": reflect.ValueOf(math.Pow).Pointer(),
}

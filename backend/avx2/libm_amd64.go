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

package avx2

import (
	"math"
	"reflect"
)

// libmAddrs resolves Go's math package transcendentals to their
// compiled entry points, exactly as backend/sse2's does: each lane of
// a 4-wide transcendental call goes through one of these in turn (see
// emitLibm1/EmitPow).
var libmAddrs = map[string]uintptr{
	"exp": reflect.ValueOf(math.Exp).Pointer(),
	"log": reflect.ValueOf(math.Log).Pointer(),
	"sin": reflect.ValueOf(math.Sin).Pointer(),
	"cos": reflect.ValueOf(math.Cos).Pointer(),
	"tan": reflect.ValueOf(math.Tan).Pointer(),
	"pow": reflect.ValueOf(math.Pow).Pointer(),
}

// Copyright 2025 Esteban Alvarez. All Rights Reserved.
//
// Created: October 2025
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package abuse

import "time"

// Clock abstracts wall-clock access so tests can drive violation windows
// and ban expiry deterministically instead of sleeping.
type Clock interface {
	NowMS() int64
}

type realClock struct{}

func (realClock) NowMS() int64 { return time.Now().UnixMilli() }

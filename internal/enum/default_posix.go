// Copyright 2017 The Periph Authors. All rights reserved.
// Use of this source code is governed under the Apache License, Version 2.0
// that can be found in the LICENSE file.

//go:build !windows

package enum

// Default returns the platform Enumerator for this build.
func Default() Enumerator {
	return NewPosix()
}

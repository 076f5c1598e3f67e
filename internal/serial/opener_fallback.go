// Copyright 2017 The Periph Authors. All rights reserved.
// Use of this source code is governed under the Apache License, Version 2.0
// that can be found in the LICENSE file.

//go:build !linux

package serial

// DefaultOpener is the platform Opener for this build.
var DefaultOpener Opener = OpenFallback

// Copyright (C) The Panprof Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package main

import (
	"github.com/arvados/panprof"
)

func main() {
	panprof.Main()
}

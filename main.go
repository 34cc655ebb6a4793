// SPDX-FileCopyrightText: (C) 2025 Qabel GmbH
// SPDX-License-Identifier: Apache 2.0

package main

import "github.com/qabel/go-index-server/cmd"

func main() {
	cmd.Execute()
}

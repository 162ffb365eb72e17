package main

import (
	"github.com/Laisky/telegram-filescan/cmd"
)

func main() {
	cmd.Execute()
}

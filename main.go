package main

import (
	"github.com/luma/lightcache/cmd"
)

func main() {
	cmd.Execute()
}

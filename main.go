package main

import "github.com/laurentknauss/erc4337compliant-HelloWorld/cmd"

func main() {
	cmd.Execute()
}

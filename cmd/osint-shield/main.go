package main

import "github.com/JakeFAU/osint-shield/cmd"

func main() {
	cmd.Execute()
}

package main

import "device-auth-service/cmd/authctl/cmd"

func main() {
	cmd.Execute()
}

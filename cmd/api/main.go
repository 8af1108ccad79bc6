package main

import "github.com/spec-kit/tutoring-service/cmd/api/cmd"

func main() {
	cmd.Execute()
}

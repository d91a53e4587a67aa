package main

import "github.com/citewalk/content-pipeline/cmd/pipelinectl/cmd"

func main() {
	cmd.Execute()
}

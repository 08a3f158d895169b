package main

import (
	"github.com/apim-haufe-io/wicked.kong-adapter/pkg/cmd"
)

func main() {
	cmd.Execute()
}

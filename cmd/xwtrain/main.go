// Command xwtrain validates the ResNet training recipes, builds the training
// image and runs training containers from it.
package main

import (
	"os"

	"github.com/tsingmao/xwtrain/cmd/xwtrain/app"
)

func main() {
	if err := app.NewXWTrainCommand().Execute(); err != nil {
		os.Exit(1)
	}
}

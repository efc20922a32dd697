// Command plaza runs the multiplayer relay server.
package main

import (
	"log"

	"plaza/cmd/internal/app"
)

func main() {
	if err := app.Run(); err != nil {
		log.Fatal(err)
	}
}

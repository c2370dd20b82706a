package main

import (
	"log"

	"github.com/ben1maru/tutors-finders-server/cmd/internal/app"
)

func main() {
	if err := app.Run(); err != nil {
		log.Fatal(err)
	}
}

package main

import (
	"log"
	"os"

	"github.com/Ransomwave/azul/cmd/azul/commands"
)

func main() {
	if err := commands.Execute(); err != nil {
		log.Println(err)
		os.Exit(1)
	}
}

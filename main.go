package main

import "traitconsensus/internal/app"

func main() {
	app.Main()
}

package main

import "github.com/Mraprguild8133/Filesflow/internal/app"

func main() {
	app.Run()
}

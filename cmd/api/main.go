package main

import "github.com/joho/godotenv"

func main() {
	// .env is optional; real environment variables take precedence.
	_ = godotenv.Load(".env")
	Execute()
}

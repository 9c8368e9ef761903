package main

import "github.com/frahmantamala/payment-connector/cmd"

func main() {
	cmd.Execute()
}

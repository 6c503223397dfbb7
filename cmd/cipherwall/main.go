// Command cipherwall runs a pre-shared-key VPN endpoint.
package main

func main() {
	Execute()
}

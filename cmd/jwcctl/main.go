// Command jwcctl is a small operator tool for inspecting a fleet of audio
// nodes described by a jwc FileConfig document, without wiring up a real
// chat-bot process.
package main

import "github.com/jwc-audio/jwc/cmd/jwcctl/cmd"

func main() {
	cmd.Execute()
}

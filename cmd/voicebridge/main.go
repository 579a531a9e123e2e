// voicebridge: realtime voice relay between browser clients and the OpenAI
// Realtime API, with per-user memory and knowledge-base retrieval.
package main

import "os"

func main() {
	if err := Execute(); err != nil {
		os.Exit(1)
	}
}

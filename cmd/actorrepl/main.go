// Command actorrepl evaluates JavaScript and TypeScript snippets against
// remote actors.
//
//	actorrepl run --actor-id counter-1 --rpc increment -e 'await increment(1)'
//	actorrepl repl --actor counter
//	actorrepl serve --listen :7070
//	actorrepl mcp
package main

import (
	"os"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

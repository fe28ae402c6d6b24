package main

// @title           Sercha RAG API
// @version         1.0
// @description     Document question answering. Uploaded documents are indexed in the background and questions are answered with citations to the pages the answer came from.

// @contact.name   Sercha OSS
// @contact.url    https://github.com/custodia-labs/sercha-rag/issues

// @license.name  Apache 2.0
// @license.url   http://www.apache.org/licenses/LICENSE-2.0.html

// @host      localhost:8000
// @BasePath  /
// @schemes   http https

import (
	"fmt"
	"os"

	"github.com/custodia-labs/sercha-rag/internal/cli"
)

var version = "dev"

func main() {
	cli.Version = version
	if err := cli.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

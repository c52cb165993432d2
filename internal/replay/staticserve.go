package replay

import (
	"fmt"
	"net/http"
	"os"
)

func parseStaticServeArgs(args []string) (dir string, port int) {
	port = 8080
	for i := 0; i < len(args); i++ {
		switch args[i] {
		case "--dir":
			if i+1 < len(args) {
				dir = args[i+1]
				i++
			}
		case "--port":
			if i+1 < len(args) {
				fmt.Sscanf(args[i+1], "%d", &port)
				i++
			}
		}
	}
	return dir, port
}

// serveStatic blocks forever, serving dir over 127.0.0.1:port. It is only
// ever invoked in the re-exec'd child process (see RunStaticServeIfRequested),
// so a fatal listen error simply exits the child; the parent orchestrator
// observes that as an immediate exit and marks the instance failed.
func serveStatic(dir string, port int) {
	addr := fmt.Sprintf("127.0.0.1:%d", port)
	handler := http.FileServer(http.Dir(dir))
	if err := http.ListenAndServe(addr, handler); err != nil {
		fmt.Fprintf(os.Stderr, "replay static server: %v\n", err)
		os.Exit(1)
	}
}

package debug

import (
	"net/http"
	"runtime/pprof"

	"github.com/spf13/viper"

	"github.com/pihub-dev/pihub"
)

// Enabled returns whether or not the server was set to debug mode.
func Enabled() bool {
	return viper.GetBool("debug_mode")
}

// StartPprofServer launches an HTTP server that responds with pprof
// output containing the stack traces of all running goroutines. Only
// called when the server is configured in debug mode.
func StartPprofServer() {
	webPort := viper.GetString("web.http_port")

	pihub.Log.Infof("opening debug port on %s", webPort)
	http.HandleFunc("/", func(resp http.ResponseWriter, req *http.Request) {
		pprof.Lookup("goroutine").WriteTo(resp, 1)
	})

	if err := http.ListenAndServe(":"+webPort, nil); err != nil {
		pihub.Log.Warnf("debug server exited: %v", err)
	}
}

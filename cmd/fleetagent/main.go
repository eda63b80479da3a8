package main

import (
	"flag"
	"fmt"
	"log"
	"net/http"
	"time"
)

// fleetagent: a stub worker process for local testing of the orchestrator.
// It serves /health and can be told to come up slowly or flap, so startup
// timeouts and restart policies can be exercised without real workloads.
//
//	fleetd config snippet:
//	  [[agents]]
//	  name = "demo"
//	  command = "fleetagent"
//	  args = ["--addr", ":9101", "--warmup", "3s"]
//	  base_url = "http://127.0.0.1:9101"

// ballast pins memory so resource thresholds have something to measure.
var ballast []byte

func main() {
	var (
		addr    = flag.String("addr", ":9100", "Listen address (host:port)")
		warmup  = flag.Duration("warmup", 0, "Report unhealthy for this long after boot")
		flapAt  = flag.Duration("flap", 0, "Become unhealthy this long after boot (0 = never)")
		busyMiB = flag.Int("hold-mib", 0, "Hold this many MiB of memory, for threshold testing")
	)
	flag.Parse()

	started := time.Now()
	if *busyMiB > 0 {
		ballast = make([]byte, *busyMiB*1024*1024)
		for i := range ballast {
			ballast[i] = byte(i)
		}
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		up := time.Since(started)
		if up < *warmup {
			http.Error(w, "warming up", http.StatusServiceUnavailable)
			return
		}
		if *flapAt > 0 && up > *flapAt {
			http.Error(w, "flapping", http.StatusServiceUnavailable)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(fmt.Sprintf(`{"status":"ok","uptime":"%s"}`, up.Truncate(time.Second))))
	})

	log.Printf("fleetagent listening on %s (warmup=%s)", *addr, *warmup)
	log.Fatal(http.ListenAndServe(*addr, mux))
}

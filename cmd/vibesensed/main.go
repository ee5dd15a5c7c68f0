// Command vibesensed runs the vibration telemetry ingest-to-diagnostics
// core: it binds the sensor DATA and control UDP sockets, drives the
// FFT/diagnostics scheduler, and owns the run-recording state machine.
// The HTTP/WebSocket dashboard façade is an external collaborator
// (spec §1) and is not implemented here; this process only produces
// the data that façade would serve.
//
// Grounded on main.go's flag-parse, component-construction,
// WaitGroup-plus-signal.NotifyContext shutdown shape, generalized from
// one serial port and one HTTP mux to two UDP sockets and a scheduler
// goroutine.
package main

import (
	"context"
	"flag"
	"log"
	"net"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/skamba/vibesense/internal/config"
	"github.com/skamba/vibesense/internal/control"
	"github.com/skamba/vibesense/internal/diagnostics"
	"github.com/skamba/vibesense/internal/health"
	"github.com/skamba/vibesense/internal/ingest"
	"github.com/skamba/vibesense/internal/registry"
	"github.com/skamba/vibesense/internal/ring"
	"github.com/skamba/vibesense/internal/runctl"
	"github.com/skamba/vibesense/internal/runstore"
	"github.com/skamba/vibesense/internal/timeutil"
	"github.com/skamba/vibesense/internal/wire"
	"github.com/skamba/vibesense/internal/workerpool"
)

var (
	dataAddr    = flag.String("data-addr", ":9000", "UDP address for sensor HELLO/DATA/ACK ingest")
	controlAddr = flag.String("control-addr", ":9001", "UDP address for the command/control channel")
	adminAddr   = flag.String("admin-addr", ":8181", "HTTP listen address for operator-only debug routes")
	dbPath      = flag.String("db", "vibesense.db", "path to the run-recording SQLite database")
	configPath  = flag.String("config", "", "path to a processing config JSON file (defaults baked in if unset)")
)

func main() {
	flag.Parse()

	cfg := loadConfig(*configPath)

	store, err := runstore.Open(*dbPath)
	if err != nil {
		log.Fatalf("vibesensed: open run store: %v", err)
	}
	defer store.Close()

	h := health.New()
	reg := registry.New(time.Duration(cfg.SensorDeadAfterS*float64(time.Second)), time.Now)
	rings := ring.NewStore()
	diag := diagnostics.New(cfg)
	pool := workerpool.New(cfg.WorkerPoolSize, cfg.WorkerPoolSize*8)
	defer pool.Shutdown()
	speed := newSpeedState()
	st := newStatusBoard()

	dataConn, err := net.ListenUDP("udp", mustResolveUDP(*dataAddr))
	if err != nil {
		log.Fatalf("vibesensed: listen data: %v", err)
	}
	defer dataConn.Close()

	controlConn, err := net.ListenUDP("udp", mustResolveUDP(*controlAddr))
	if err != nil {
		log.Fatalf("vibesensed: listen control: %v", err)
	}
	defer controlConn.Close()

	ing := ingest.New(ingest.Config{
		QueueMaxSize:      cfg.DataQueueMaxSize,
		WaveformSeconds:   cfg.WaveformSeconds,
		AccelScaleGPerLSB: cfg.AccelScaleGPerLSB,
	}, reg, rings, h, udpSender{controlConn})

	ctrl := control.New(udpSender{controlConn}, reg, h, timeutil.RealClock{})
	ing.OnHello = ctrl.UpdateAddr
	ing.OnAck = ctrl.OnAck

	ctl := runctl.New(store, stubAnalyzer{}, cfg)

	var wg sync.WaitGroup
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	wg.Add(1)
	go func() {
		defer wg.Done()
		ing.Run(ctx)
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()
		recvLoop(ctx, dataConn, ing)
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()
		controlRecvLoop(ctx, controlConn, ctrl)
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()
		interval := time.Duration(cfg.SyncClockIntervalS * float64(time.Second))
		if interval <= 0 {
			interval = 30 * time.Second
		}
		ctrl.RunSyncClockLoop(ctx, interval, func() uint64 { return uint64(time.Now().UnixMicro()) })
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()
		runScheduler(ctx, cfg, reg, rings, pool, diag, ctl, h, speed, st)
	}()

	mux := http.NewServeMux()
	ctrl.AttachAdminRoutes(mux)
	st.AttachAdminRoutes(mux, speed)
	adminServer := &http.Server{Addr: *adminAddr, Handler: mux}
	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := adminServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Printf("vibesensed: admin server: %v", err)
		}
	}()

	<-ctx.Done()
	log.Print("vibesensed: shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := adminServer.Shutdown(shutdownCtx); err != nil {
		log.Printf("vibesensed: admin server shutdown: %v", err)
	}
	wg.Wait()
}

func loadConfig(path string) *config.Config {
	if path == "" {
		return config.Default()
	}
	f, err := os.Open(path)
	if err != nil {
		log.Fatalf("vibesensed: open config %s: %v", path, err)
	}
	defer f.Close()
	cfg, err := config.FromJSON(f)
	if err != nil {
		log.Fatalf("vibesensed: parse config %s: %v", path, err)
	}
	return cfg
}

func mustResolveUDP(addr string) *net.UDPAddr {
	a, err := net.ResolveUDPAddr("udp", addr)
	if err != nil {
		log.Fatalf("vibesensed: resolve %s: %v", addr, err)
	}
	return a
}

// udpSender adapts *net.UDPConn to the ingest.Responder and
// control.Sender interfaces, both of which need only SendTo.
type udpSender struct{ conn *net.UDPConn }

func (s udpSender) SendTo(b []byte, addr *net.UDPAddr) error {
	_, err := s.conn.WriteToUDP(b, addr)
	return err
}

// recvLoop is the non-blocking receiver fibre spec §4.3 describes: it
// never does anything but parse-and-enqueue, handing dispatch to
// ing.Run on its own goroutine.
func recvLoop(ctx context.Context, conn *net.UDPConn, ing *ingest.Ingest) {
	buf := make([]byte, 2048)
	for {
		if ctx.Err() != nil {
			return
		}
		conn.SetReadDeadline(time.Now().Add(time.Second))
		n, addr, err := conn.ReadFromUDP(buf)
		if err != nil {
			if ne, ok := err.(net.Error); ok && ne.Timeout() {
				continue
			}
			if ctx.Err() != nil {
				return
			}
			continue
		}
		cp := make([]byte, n)
		copy(cp, buf[:n])
		ing.HandleDatagram(cp, addr, time.Now())
	}
}

// controlRecvLoop reads ACK frames sensors send back to the control
// socket and correlates them to pending CMDs.
func controlRecvLoop(ctx context.Context, conn *net.UDPConn, ctrl *control.Control) {
	buf := make([]byte, 512)
	for {
		if ctx.Err() != nil {
			return
		}
		conn.SetReadDeadline(time.Now().Add(time.Second))
		n, _, err := conn.ReadFromUDP(buf)
		if err != nil {
			if ne, ok := err.(net.Error); ok && ne.Timeout() {
				continue
			}
			if ctx.Err() != nil {
				return
			}
			continue
		}
		f, err := wire.Parse(buf[:n])
		if err != nil {
			continue
		}
		if f.Ack != nil {
			ctrl.OnAck(f.Ack)
		}
	}
}

// stubAnalyzer is the seam for the out-of-scope post-run diagnostic
// pass (spec §1): it records that a run finished without findings
// rather than pretending to analyze anything.
type stubAnalyzer struct{}

func (stubAnalyzer) Analyze(runID string) (string, int, error) {
	return `{"findings":[]}`, 1, nil
}

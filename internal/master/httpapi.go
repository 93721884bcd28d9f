package master

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
)

// HTTPAPI serves the read-only status surface: current registrations as
// JSON and Prometheus metrics.
type HTTPAPI struct {
	Registry *Registry
	Gatherer prometheus.Gatherer
	Log      zerolog.Logger
	Addr     string
}

type apiServer struct {
	Entry
	Address  string `json:"address"`
	LastSeen string `json:"last_seen_ago"`
}

func (a *HTTPAPI) router() *gin.Engine {
	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(cors.New(cors.Config{
		AllowOrigins: []string{"*"},
		AllowMethods: []string{"GET", "OPTIONS"},
		AllowHeaders: []string{"Content-Type"},
	}))

	r.GET("/api/servers", func(c *gin.Context) {
		entries, err := a.Registry.List()
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "registry unavailable"})
			return
		}
		out := make([]apiServer, 0, len(entries))
		for _, e := range entries {
			out = append(out, apiServer{
				Entry:    e,
				Address:  ipPortString(e),
				LastSeen: humanize.Time(e.LastSeen),
			})
		}
		c.JSON(http.StatusOK, out)
	})

	r.GET("/api/count", func(c *gin.Context) {
		n, err := a.Registry.Count()
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "registry unavailable"})
			return
		}
		c.JSON(http.StatusOK, gin.H{"count": n})
	})

	r.GET("/metrics", gin.WrapH(promhttp.HandlerFor(a.Gatherer, promhttp.HandlerOpts{})))

	return r
}

func ipPortString(e Entry) string {
	return e.IP + ":" + strconv.Itoa(int(e.Port))
}

// Serve implements suture.Service: runs the HTTP server until the
// context ends.
func (a *HTTPAPI) Serve(ctx context.Context) error {
	srv := &http.Server{
		Addr:              a.Addr,
		Handler:           a.router(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() { errCh <- srv.ListenAndServe() }()
	a.Log.Info().Str("addr", a.Addr).Msg("status API listening")

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
		return ctx.Err()
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}

func (a *HTTPAPI) String() string { return "master.httpapi" }

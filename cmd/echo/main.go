/*
Use either as

	$ echo -srv [-config server.yaml]

or

	$ echo -cl [-config client.yaml] [-user alice -password secret] [-n 10] message

The server answers service 1 with its input and fails service 2. Both sides read the transport,
listen address, session settings and log level from the configuration file.
*/
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/dermesser/sessionrpc"
	"github.com/dermesser/sessionrpc/auth"
	"github.com/dermesser/sessionrpc/client"
	"github.com/dermesser/sessionrpc/config"
	"github.com/dermesser/sessionrpc/log"
	"github.com/dermesser/sessionrpc/metrics"
	"github.com/dermesser/sessionrpc/server"
	"github.com/dermesser/sessionrpc/services"
	"github.com/dermesser/sessionrpc/transport"
	"github.com/dermesser/sessionrpc/transport/zmqtransport"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/crypto/bcrypt"
)

const (
	serviceEcho  uint32 = 1
	serviceError uint32 = 2
)

func echoHandler(cx *services.Context) {
	log.CRPC_log(log.LOGLEVEL_DEBUG, "Called echoHandler:", string(cx.GetInput()), len(cx.GetInput()))
	cx.Success(cx.GetInput())
}

func errorReturningHandler(cx *services.Context) {
	cx.Fail("Some error occurred in handler, abort")
}

func listen(cfg config.Config) (transport.Listener, error) {
	if cfg.Transport == config.TransportZMQ {
		mgr, err := cfg.SecurityManager()
		if err != nil {
			return nil, err
		}
		return zmqtransport.Listen(cfg.Listen, mgr)
	}
	return transport.ListenTCP(cfg.Listen)
}

func dialer(cfg config.Config) (transport.Dialer, error) {
	if cfg.Transport == config.TransportZMQ {
		mgr, err := cfg.ClientSecurityManager()
		if err != nil {
			return nil, err
		}
		return zmqtransport.Dialer{Security: mgr}, nil
	}
	return transport.TCPDialer{Timeout: 5 * time.Second}, nil
}

// serveMetrics exports the session and routine metrics on cfg.MetricsListen until ctx is done.
func serveMetrics(ctx context.Context, cfg config.Config, scfg *services.Config) error {
	reg := prometheus.NewRegistry()
	m := metrics.New("sessionrpc")
	err := m.Register(reg)
	if err == nil {
		err = metrics.RegisterScheduler(reg, "sessionrpc", prometheus.Labels{"pool": "server"}, scfg.Scheduler)
	}
	if err == nil {
		err = reg.Register(collectors.NewGoCollector())
	}
	if err != nil {
		return err
	}
	scfg.Metrics = m

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg}))
	hs := &http.Server{Addr: cfg.MetricsListen, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		if err := hs.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.CRPC_log(log.LOGLEVEL_ERRORS, "Metrics endpoint failed:", err)
		}
	}()
	go func() {
		<-ctx.Done()
		hs.Close()
	}()
	return nil
}

func runServer(ctx context.Context, cfg config.Config) error {
	scfg, err := cfg.ServicesConfig()
	if err != nil {
		return err
	}
	if cfg.MetricsListen != "" {
		if err := serveMetrics(ctx, cfg, &scfg); err != nil {
			return err
		}
	}

	l, err := listen(cfg)
	if err != nil {
		return err
	}
	opts := []server.Option{server.WithConfig(scfg)}
	if len(cfg.Accounts) > 0 {
		dir, err := cfg.Directory(bcrypt.DefaultCost)
		if err != nil {
			l.Close()
			return err
		}
		opts = append(opts, server.WithAuthenticator(dir))
	}
	if cfg.Transport == config.TransportTCP {
		mgr, err := cfg.SecurityManager()
		if err != nil {
			l.Close()
			return err
		}
		opts = append(opts, server.WithSecurityManager(mgr))
	}
	opts = append(opts, server.WithClosedHandler(func(s *services.Session, reason error) {
		log.CRPC_log(log.LOGLEVEL_INFO, "Session", s.Id(), "of", s.Identity().Account, "closed:", reason)
	}))

	srv := server.NewServer(l, opts...)
	if err := srv.RegisterHandler(serviceEcho, echoHandler); err != nil {
		return err
	}
	if err := srv.RegisterHandler(serviceError, errorReturningHandler); err != nil {
		return err
	}
	if err := srv.Start(); err != nil {
		return err
	}
	fmt.Println("Serving on", srv.Addr())

	<-ctx.Done()
	return srv.Stop()
}

func runClient(ctx context.Context, cfg config.Config, authenticator auth.ClientAuthenticator, n int, msg string) error {
	scfg, err := cfg.ServicesConfig()
	if err != nil {
		return err
	}
	d, err := dialer(cfg)
	if err != nil {
		return err
	}
	cl, err := client.Dial(ctx, "echo1_cl", cfg.Listen, d,
		client.WithConfig(scfg), client.WithAuthenticator(authenticator))
	if err != nil {
		return err
	}
	defer cl.Close()
	fmt.Println("Connected as", cl.Identity().Account, "session", cl.Identity().SessionID)

	for i := 0; i < n; i++ {
		rsp := cl.Request(serviceEcho).SetContext(ctx).Go([]byte(msg))
		if !rsp.Ok() {
			return rsp.Err()
		}
		fmt.Println("Received response:", string(rsp.Payload()), len(rsp.Payload()))
	}

	rsp := cl.Request(serviceError).SetContext(ctx).Go([]byte(msg))
	fmt.Println("Error service:", rsp.Error())
	return nil
}

func main() {
	var srv, cl, version bool
	var path, addr, user, password string
	var n int
	flag.BoolVar(&srv, "srv", false, "Specify if you want us to run as server")
	flag.BoolVar(&cl, "cl", false, "Specify if you want us to run as client")
	flag.StringVar(&path, "config", "", "YAML configuration file")
	flag.StringVar(&addr, "addr", "", "Overrides the listen address of the configuration")
	flag.StringVar(&user, "user", "", "Account to log in with (client)")
	flag.StringVar(&password, "password", "", "Password of the account (client)")
	flag.IntVar(&n, "n", 1, "Number of echo requests (client)")
	flag.BoolVar(&version, "version", false, "Print the version and exit")
	flag.Parse()

	if version {
		fmt.Println("sessionrpc", sessionrpc.Version)
		return
	}

	if srv == cl {
		fmt.Println("Wrong combination: Use either -srv or -cl")
		os.Exit(2)
	}

	cfg := config.Default()
	if path != "" {
		var err error
		if cfg, err = config.Load(path); err != nil {
			fmt.Println(err)
			os.Exit(1)
		}
	}
	if addr != "" {
		cfg.Listen = addr
	}
	log.SetLoglevel(cfg.Loglevel())
	defer log.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var err error
	if srv {
		err = runServer(ctx, cfg)
	} else {
		var authenticator auth.ClientAuthenticator = auth.Anonymous{}
		if user != "" {
			authenticator = auth.Password{Account: user, Password: password}
		}
		msg := strings.Join(flag.Args(), " ")
		if msg == "" {
			msg = "helloworld"
		}
		err = runClient(ctx, cfg, authenticator, n, msg)
	}
	if err != nil {
		fmt.Println(err.Error())
		os.Exit(1)
	}
}

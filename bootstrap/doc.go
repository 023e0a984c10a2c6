// Package bootstrap assembles a runnable gateway process: it loads
// configuration, initializes logging and metrics, builds the Gateway,
// and runs it until an OS signal triggers graceful shutdown.
//
//	var cfg gate.Config
//	if err := config.Load("conngate", &cfg); err != nil { ... }
//	app, err := bootstrap.New(cfg, connector)
//	err = app.Run(context.Background())
package bootstrap

package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"

	"scount/pipeline"
)

func Must(e error) {
	if e != nil {
		panic(e)
	}
}

func readConfig(path string) (pipeline.Config, error) {
	if path == "" {
		return pipeline.Config{}, fmt.Errorf("missing -c config path")
	}
	r, e := os.Open(path)
	if e != nil {
		return pipeline.Config{}, e
	}
	defer r.Close()
	return pipeline.ReadConfig(r)
}

func main() {
	cpath := flag.String("c", "", "JSON pipeline configuration path.")
	flag.Parse()

	cfg, e := readConfig(*cpath)
	Must(e)

	p, e := pipeline.New(cfg)
	Must(e)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	_, e = p.Run(ctx)
	Must(e)
}

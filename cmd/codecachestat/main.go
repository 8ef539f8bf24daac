// Copyright 2026 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Codecachestat runs a synthetic compile and collect workload against a
// code cache and reports on the result.
//
// Usage:
//
//	codecachestat [flags]
//
// The cache is configured with the VM's flag names, for example
// -ReservedCodeCacheSize=48M or -SegmentedCodeCache=false. The workload
// compiles -n methods of random size into the cache, runs -gcs collections
// that unload dead code and move the objects that code references, and
// prints the cache's summary and fragmentation reports. Every -rebuild'th
// collection is a full one, after which the code root sets are rebuilt
// from the cache.
package main

import (
	"flag"
	"fmt"
	"os"

	"github.com/openjdk/jdk-sub120/codecache"
	"github.com/sirupsen/logrus"
	"go.uber.org/multierr"
)

var (
	flagN       = flag.Int("n", 5000, "compile `count` methods")
	flagGCs     = flag.Int("gcs", 10, "run `count` collections during the workload")
	flagSeed    = flag.Uint64("seed", 1, "random `seed`")
	flagRegions = flag.Int("regions", 64, "number of 1MB object heap regions")
	flagProfile = flag.String("profile", "", "write a pprof profile of resident code to `file`")
	flagDisasm  = flag.Int("disasm", 0, "disassemble the first `count` nmethods")
	flagList    = flag.Bool("list", false, "list resident blobs by name")
	flagBulk    = flag.Bool("bulk", true, "unregister unloaded code with one pass over each region")
	flagRebuild = flag.Int("rebuild", 4, "make every `n`th collection a full one that rebuilds the code root sets")
	flagV       = flag.Bool("v", false, "log cache events")
)

func main() {
	cfg := codecache.DefaultConfig()
	cfg.RegisterFlags(flag.CommandLine)
	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, "usage: codecachestat [flags]\n")
		flag.PrintDefaults()
	}
	flag.Parse()
	if flag.NArg() != 0 {
		flag.Usage()
		os.Exit(2)
	}

	log := logrus.New()
	log.SetOutput(os.Stderr)
	if *flagV {
		log.SetLevel(logrus.DebugLevel)
	}
	cfg.Logger = log

	o := options{
		compiles: *flagN,
		gcs:      *flagGCs,
		seed:     *flagSeed,
		regions:  *flagRegions,
		disasm:   *flagDisasm,
		list:     *flagList,
		bulk:     *flagBulk,
		rebuild:  *flagRebuild,
	}
	var profile *os.File
	if *flagProfile != "" {
		f, err := os.Create(*flagProfile)
		if err != nil {
			log.Fatal(err)
		}
		profile = f
		o.profile = f
	}
	err := run(os.Stdout, cfg, o)
	if profile != nil {
		err = multierr.Append(err, profile.Close())
	}
	if err != nil {
		log.Fatal(err)
	}
}

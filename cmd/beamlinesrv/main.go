package main

import (
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/knadh/koanf"
	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/providers/posflag"
	"github.com/knadh/koanf/providers/structs"
	flag "github.com/spf13/pflag"

	yml "gopkg.in/yaml.v2"

	"github.com/beamline-go/beamline/motion"
)

var (
	// Version is the version number.  Typically injected via ldflags with git build
	Version = "1"

	// ConfigFileName is what it sounds like
	ConfigFileName = "beamline.yml"
	k              = koanf.New(".")

	flags = flag.NewFlagSet("beamlinesrv", flag.ExitOnError)

	// flag name => config key
	flagKeys = map[string]string{
		"addr":     "Addr",
		"mock":     "Mock",
		"settings": "Settings",
		"beamlog":  "BeamLog",
		"detector": "Detector.Addr",
	}
)

func init() {
	flags.StringVarP(&ConfigFileName, "config", "c", ConfigFileName, "configuration file")
	flags.String("addr", "", "address to listen at")
	flags.Bool("mock", false, "use the detector simulator and mock actuators")
	flags.String("settings", "", "persistent settings file")
	flags.String("beamlog", "", "beam position log file")
	flags.String("detector", "", "detector control endpoint, e.g. tcp://mx340hs:2222")
}

func defaults() Config {
	return Config{
		Addr:        ":8000",
		Settings:    "beamline_settings.yaml",
		BeamLog:     "beam_position.log",
		ImageRoot:   "images",
		TableDomain: "configurations",
		Detector:    Detector{Addr: "tcp://localhost:2222"},
		Simulator:   Simulator{Addr: "localhost:0", TriggerRate: 1},
		Actuators:   []motion.Spec{},
	}
}

func setupconfig() {
	k.Load(structs.Provider(defaults(), "koanf"), nil)
	if err := k.Load(file.Provider(ConfigFileName), yaml.Parser()); err != nil {
		errtxt := err.Error()
		if !strings.Contains(errtxt, "no such") { // file missing, who cares
			log.Fatalf("error loading config: %v", err)
		}
	}
	err := k.Load(posflag.ProviderWithFlag(flags, ".", k, func(f *flag.Flag) (string, interface{}) {
		key, ok := flagKeys[f.Name]
		if !ok {
			return "", nil
		}
		return key, posflag.FlagVal(flags, f)
	}), nil)
	if err != nil {
		log.Fatalf("error loading flags: %v", err)
	}
}

func root() {
	str := `beamlinesrv runs the detector acquisition, beam check, and beam
stabilization of an X-ray beamline and exposes them over HTTP.

Usage:
	beamlinesrv [flags] <command>

Commands:
	run
	help
	mkconf
	conf
	version

Flags:`
	fmt.Println(str)
	flags.PrintDefaults()
}

func help() {
	str := `beamlinesrv is amenable to configuration via its .yml file.  For a primer on YAML, see
https://yaml.org/start.html

Without a configuration file the server starts with defaults; use mkconf to
write them to beamline.yml and edit from there.  Flags override the file.

Actuators are listed under Actuators, each with a Name, a Type, an Addr,
and Args.  Types, case insensitive:
- mock:  Initial, Speed, Description
- gcs2:  Axis, Voltage, Description (PI piezo controllers)
- line:  Read, Write, Moving, Stop, Description (line protocol commands)

Addr is a comm endpoint: tcp://host:port, tls://host:port, or
serial:///dev/ttyS0?baud=9600.

Mock=true replaces the detector with a simulator and every actuator with a
mock, so the whole pipeline can be exercised without hardware.

Subsystems are served at /detector, /live, /beamcheck, /stabilize,
/actuators, /tables, and /table/<name>.  GET /endpoints lists every route
and /metrics serves Prometheus metrics.  Every subsystem has a /lock.`
	fmt.Println(str)
}

func mkconf() {
	c := Config{}
	err := k.Unmarshal("", &c)
	if err != nil {
		log.Fatal(err)
	}
	f, err := os.Create(ConfigFileName)
	if err != nil {
		log.Fatal(err)
	}
	defer f.Close()
	err = yml.NewEncoder(f).Encode(c)
	if err != nil {
		log.Fatal(err)
	}
}

func printconf() {
	c := Config{}
	k.Unmarshal("", &c)
	err := yml.NewEncoder(os.Stdout).Encode(c)
	if err != nil {
		log.Fatal(err)
	}
}

func pversion() {
	fmt.Printf("beamlinesrv version %v\n", Version)
}

func run() {
	c := Config{}
	err := k.Unmarshal("", &c)
	if err != nil {
		log.Fatal(err)
	}
	b, err := Setup(c)
	if err != nil {
		log.Fatal(err)
	}
	b.Start(c)
	sig := make(chan os.Signal, 1)
	signal.Notify(sig, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-sig
		log.Println("shutting down")
		b.Close()
		os.Exit(0)
	}()
	mux := BuildMux(c, b)
	log.Println("now listening for requests at ", c.Addr)
	log.Fatal(http.ListenAndServe(c.Addr, mux))
}

func main() {
	flags.Parse(os.Args[1:])
	args := flags.Args()
	if len(args) == 0 {
		root()
		return
	}
	setupconfig()
	cmd := strings.ToLower(args[0])
	switch cmd {
	case "help":
		help()
		return
	case "mkconf":
		mkconf()
		return
	case "conf":
		printconf()
		return
	case "run":
		run()
		return
	case "version":
		pversion()
		return
	default:
		log.Fatal("unknown command")
	}
}

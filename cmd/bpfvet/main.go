// bpfvet statically verifies eBPF bytecode: memory safety, type safety and
// termination under the kernel's safety model, without loading anything
// into a kernel.
//
// Usage:
//
//	bpfvet check FILE [typeN] [DOMAIN] [flags]
//	bpfvet serve -listen=ADDR [flags]
package main

import (
	"bytes"
	"context"
	"fmt"
	"log"
	"net"
	"os"
	"os/signal"
	"sort"
	"strconv"
	"strings"
	"syscall"

	"github.com/klauspost/compress/zstd"

	"github.com/fortiblox/bpf-vet/pkg/cache"
	"github.com/fortiblox/bpf-vet/pkg/ebpf"
	"github.com/fortiblox/bpf-vet/pkg/elf"
	"github.com/fortiblox/bpf-vet/pkg/kernel"
	"github.com/fortiblox/bpf-vet/pkg/service"
	"github.com/fortiblox/bpf-vet/pkg/verifier"
)

// Version information.
var (
	Version   = "0.1.0"
	GitCommit = "dev"
)

// Exit codes.
const (
	exitPass  = 0
	exitFail  = 1
	exitIO    = 2
	exitUsage = 64
)

func usage() int {
	fmt.Fprintf(os.Stderr, "usage: bpfvet check FILE [typeN] [DOMAIN] [flags]\n")
	fmt.Fprintf(os.Stderr, "       bpfvet serve -listen=ADDR [flags]\n\n")
	fmt.Fprintf(os.Stderr, "verifies the eBPF code in FILE using DOMAIN assuming program type N\n\n")
	fmt.Fprintf(os.Stderr, "DOMAIN defaults to sdbm-arr; N may be extracted from the FILE suffix\n\n")
	fmt.Fprintf(os.Stderr, "flags: --log=TOPIC --verbose=N --stats --simplify --no-liveness\n")
	fmt.Fprintf(os.Stderr, "       --semantic-reachability --no-print-invariants --disable-warnings -q\n")
	fmt.Fprintf(os.Stderr, "       -termination -section=NAME -cache=PATH -remote=ADDR -kernel\n\n")
	fmt.Fprintf(os.Stderr, "available domains:\n")
	domains := verifier.Domains()
	names := make([]string, 0, len(domains))
	for name := range domains {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		fmt.Fprintf(os.Stderr, "\t%s - %s\n", name, domains[name])
	}
	return exitUsage
}

// checkConfig is everything the check subcommand parses from argv.
type checkConfig struct {
	file     string
	progType ebpf.ProgType
	typeSet  bool
	domain   string

	opts         verifier.Options
	logTopics    map[string]bool
	verbose      int
	stats        bool
	quiet        bool
	showWarnings bool
	section      string
	cachePath    string
	remoteAddr   string
	useKernel    bool
}

func main() {
	log.SetFlags(log.Ldate | log.Ltime | log.Lmicroseconds)

	if len(os.Args) < 2 {
		os.Exit(usage())
	}
	switch os.Args[1] {
	case "check":
		os.Exit(runCheck(os.Args[2:]))
	case "serve":
		os.Exit(runServe(os.Args[2:]))
	case "version", "-version", "--version":
		fmt.Printf("bpfvet %s (%s)\n", Version, GitCommit)
		os.Exit(exitPass)
	case "-h", "--help", "help":
		os.Exit(usage())
	default:
		// Bare "bpfvet FILE" works like "bpfvet check FILE".
		os.Exit(runCheck(os.Args[1:]))
	}
}

func parseCheckArgs(args []string) (*checkConfig, bool) {
	cfg := &checkConfig{
		opts:         verifier.DefaultOptions,
		logTopics:    make(map[string]bool),
		showWarnings: true,
		domain:       "sdbm-arr",
	}
	cfg.opts.PrintInvariants = true

	var posargs []string
	for _, arg := range args {
		switch {
		case strings.HasPrefix(arg, "--log="):
			cfg.logTopics[strings.TrimPrefix(arg, "--log=")] = true
		case strings.HasPrefix(arg, "--verbose="):
			n, err := strconv.Atoi(strings.TrimPrefix(arg, "--verbose="))
			if err != nil {
				return nil, false
			}
			cfg.verbose = n
		case arg == "--stats" || arg == "--stat":
			cfg.stats = true
		case arg == "--simplify":
			cfg.opts.Simplify = true
		case arg == "--no-liveness":
			cfg.opts.Liveness = false
		case arg == "--semantic-reachability":
			cfg.opts.SemanticReachability = true
		case arg == "--no-print-invariants":
			cfg.opts.PrintInvariants = false
		case arg == "--disable-warnings":
			cfg.showWarnings = false
		case arg == "-q":
			cfg.quiet = true
			cfg.showWarnings = false
			cfg.opts.PrintInvariants = false
		case arg == "-termination" || arg == "--termination":
			cfg.opts.CheckTermination = true
		case arg == "-kernel" || arg == "--kernel":
			cfg.useKernel = true
		case strings.HasPrefix(arg, "-section="):
			cfg.section = strings.TrimPrefix(arg, "-section=")
		case strings.HasPrefix(arg, "-cache="):
			cfg.cachePath = strings.TrimPrefix(arg, "-cache=")
		case strings.HasPrefix(arg, "-remote="):
			cfg.remoteAddr = strings.TrimPrefix(arg, "-remote=")
		case arg == "-h" || arg == "--help":
			return nil, false
		case strings.HasPrefix(arg, "type") && len(arg) > 4:
			n, err := strconv.Atoi(arg[4:])
			if err != nil {
				return nil, false
			}
			cfg.progType = ebpf.ProgType(n)
			cfg.typeSet = true
		default:
			posargs = append(posargs, arg)
		}
	}

	if len(posargs) == 0 || len(posargs) > 2 {
		return nil, false
	}
	cfg.file = posargs[0]
	if len(posargs) == 2 {
		cfg.domain = posargs[1]
	}
	if _, ok := verifier.Domains()[cfg.domain]; !ok {
		fmt.Fprintf(os.Stderr, "argument %s is not a valid domain\n", cfg.domain)
		return nil, false
	}

	if !cfg.typeSet {
		// Fall back to the numeric file suffix, the way objects are named
		// in the conformance corpus (e.g. prog.6 for XDP).
		if dot := strings.LastIndex(cfg.file, "."); dot >= 0 {
			if n, err := strconv.Atoi(cfg.file[dot+1:]); err == nil {
				cfg.progType = ebpf.ProgType(n)
				cfg.typeSet = true
			}
		}
	}
	return cfg, true
}

func runCheck(args []string) int {
	cfg, ok := parseCheckArgs(args)
	if !ok {
		return usage()
	}

	programs, code := loadPrograms(cfg)
	if code != exitPass {
		return code
	}

	worst := exitPass
	for _, prog := range programs {
		if rc := checkOne(cfg, prog); rc > worst {
			worst = rc
		}
	}
	return worst
}

// loadPrograms reads the input file: an ELF object, a zstd-compressed raw
// dump, or a raw instruction dump.
func loadPrograms(cfg *checkConfig) ([]elf.RawProgram, int) {
	data, err := os.ReadFile(cfg.file)
	if err != nil {
		fmt.Fprintf(os.Stderr, "cannot read %s: %v\n", cfg.file, err)
		return nil, exitIO
	}

	if strings.HasSuffix(cfg.file, ".zst") {
		dec, err := zstd.NewReader(nil)
		if err != nil {
			fmt.Fprintf(os.Stderr, "zstd: %v\n", err)
			return nil, exitIO
		}
		defer dec.Close()
		if data, err = dec.DecodeAll(data, nil); err != nil {
			fmt.Fprintf(os.Stderr, "cannot decompress %s: %v\n", cfg.file, err)
			return nil, exitIO
		}
	}

	if bytes.HasPrefix(data, []byte{0x7f, 'E', 'L', 'F'}) {
		progs, err := elf.Read(cfg.file, data, cfg.section)
		if err != nil {
			fmt.Fprintf(os.Stderr, "cannot parse %s: %v\n", cfg.file, err)
			return nil, exitIO
		}
		if cfg.typeSet {
			for i := range progs {
				progs[i].Info = ebpf.NewProgramInfo(cfg.progType, progs[i].Info.Maps)
			}
		}
		return progs, exitPass
	}

	words, err := ebpf.WordsOf(data)
	if err != nil {
		fmt.Fprintf(os.Stderr, "cannot parse %s: %v\n", cfg.file, err)
		return nil, exitIO
	}
	return []elf.RawProgram{{
		Path:  cfg.file,
		Words: words,
		Info:  ebpf.NewProgramInfo(cfg.progType, nil),
	}}, exitPass
}

func checkOne(cfg *checkConfig, prog elf.RawProgram) int {
	if prog.Section != "" && !cfg.quiet {
		fmt.Printf("section %s (%v):\n", prog.Section, prog.Info.Type)
	}

	if cfg.useKernel {
		passed, klog, err := kernel.Verify(prog.Info.Type, prog.Words, cfg.verbose > 0)
		switch {
		case err != nil && !cfg.quiet:
			fmt.Fprintf(os.Stderr, "kernel: %v\n", err)
		case !cfg.quiet:
			fmt.Printf("kernel verifier: passed=%v\n", passed)
		}
		if cfg.verbose > 0 && klog != "" {
			fmt.Print(klog)
		}
	}

	if cfg.remoteAddr != "" {
		return checkRemote(cfg, prog)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var store *cache.Cache
	var key cache.Key
	if cfg.cachePath != "" {
		var err error
		store, err = cache.Open(cfg.cachePath)
		if err != nil {
			fmt.Fprintf(os.Stderr, "cache: %v\n", err)
			return exitIO
		}
		defer store.Close()
		key = cache.KeyOf(prog.Words, prog.Info.Type)
		if v, err := store.Get(key, prog.Info.Type); err == nil {
			if !cfg.quiet {
				fmt.Printf("cached verdict %s\n", key)
			}
			if v.Passed {
				return exitPass
			}
			fmt.Println("verification failed")
			return exitFail
		}
	}

	res, err := verifier.Verify(ctx, prog.Words, prog.Relocs, prog.Info, cfg.opts)
	if err != nil {
		fmt.Fprintf(os.Stderr, "%v\n", err)
		return exitIO
	}

	if cfg.logTopics["cfg"] {
		for _, label := range res.CFG.Labels() {
			b := res.CFG.Blocks[label]
			log.Printf("cfg: %s -> %v (%d instructions)", label, b.Succs, len(b.Insts))
		}
	}

	if cfg.showWarnings || cfg.opts.PrintInvariants {
		res.WriteReport(os.Stdout, cfg.opts)
	}
	if cfg.stats {
		fmt.Printf("%d blocks, %d instructions\n", res.Blocks, res.Instructions)
	}

	if store != nil {
		if err := store.Put(key, prog.Info.Type, cache.VerdictOf(res)); err != nil {
			fmt.Fprintf(os.Stderr, "cache: %v\n", err)
		}
	}

	if !res.Passed {
		fmt.Println("verification failed")
		return exitFail
	}
	return exitPass
}

func checkRemote(cfg *checkConfig, prog elf.RawProgram) int {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	client, err := service.Dial(ctx, cfg.remoteAddr)
	if err != nil {
		fmt.Fprintf(os.Stderr, "%v\n", err)
		return exitIO
	}
	defer client.Close()

	resp, err := client.Check(ctx, &service.CheckRequest{
		Program:          ebpf.BytesOf(prog.Words),
		ProgType:         int32(prog.Info.Type),
		Maps:             prog.Info.Maps,
		Relocs:           prog.Relocs,
		CheckTermination: cfg.opts.CheckTermination,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "%v\n", err)
		return exitIO
	}

	if cfg.showWarnings {
		fmt.Print(resp.Report)
		if resp.Cached {
			fmt.Println("(cached)")
		}
	}
	if !resp.Passed {
		fmt.Println("verification failed")
		return exitFail
	}
	return exitPass
}

func runServe(args []string) int {
	listen := ":7433"
	cachePath := ""
	opts := verifier.DefaultOptions
	for _, arg := range args {
		switch {
		case strings.HasPrefix(arg, "-listen="):
			listen = strings.TrimPrefix(arg, "-listen=")
		case strings.HasPrefix(arg, "-cache="):
			cachePath = strings.TrimPrefix(arg, "-cache=")
		case arg == "-termination" || arg == "--termination":
			opts.CheckTermination = true
		case arg == "-h" || arg == "--help":
			return usage()
		default:
			return usage()
		}
	}

	var store *cache.Cache
	if cachePath != "" {
		var err error
		store, err = cache.Open(cachePath)
		if err != nil {
			log.Printf("Failed to open cache: %v", err)
			return exitIO
		}
		defer store.Close()
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	lis, err := net.Listen("tcp", listen)
	if err != nil {
		log.Printf("Failed to listen on %s: %v", listen, err)
		return exitIO
	}

	log.Printf("Starting bpfvet %s, serving on %s", Version, listen)
	srv := service.NewServer(opts, store)
	if err := srv.Serve(ctx, lis); err != nil {
		log.Printf("Server stopped: %v", err)
		return exitIO
	}
	log.Println("bpfvet stopped")
	return exitPass
}

// oggmix-demo loads one or more Ogg/Opus files, mixes them, and drains the
// resulting ring buffer to a sample count on stdout. It stands in for the
// real-time audio callback and host orchestration layer that spec §1
// treats as out of scope, the same way the teacher's cmd/testimport stood
// in for a full import UI during development.
package main

import (
	"context"
	"fmt"
	"io"
	"log"
	"os"

	"github.com/llehouerou/oggmix/internal/config"
	"github.com/llehouerou/oggmix/internal/control"
	"github.com/llehouerou/oggmix/internal/stderr"
)

func main() {
	if len(os.Args) < 2 {
		log.Fatal("usage: oggmix-demo <file.opus> [file.opus ...]")
	}

	if err := stderr.Start(); err != nil {
		log.Printf("stderr capture not started: %v", err)
	}
	defer stderr.Stop()

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("config load: %v", err)
	}
	engineCfg := cfg.GetEngineConfig()
	oscCfg := cfg.GetOscillatorConfig()

	handles := make([]*os.File, 0, len(os.Args)-1)
	for _, path := range os.Args[1:] {
		f, err := os.Open(path)
		if err != nil {
			log.Fatalf("open %s: %v", path, err)
		}
		defer f.Close()
		handles = append(handles, f)
	}

	orch := control.New()
	initResp := orch.InitWithConfig(control.SourceOpus, float64(engineCfg.SampleRate), engineCfg, oscCfg)
	if !initResp.Success {
		log.Fatalf("init: %v", initResp.Err)
	}

	loadResp := orch.LoadAudioFiles(context.Background(), toReadSeekers(handles))
	if !loadResp.Success {
		log.Fatalf("load audio files: %v", loadResp.Err)
	}

	startResp := orch.Start()
	if !startResp.Success {
		log.Fatalf("start: %v", startResp.Err)
	}

	rb := initResp.SharedBuffer
	out := make([]float32, engineCfg.FrameSize*2)
	totalWritten, totalRead := 0, 0

	for i := 0; i < 100; i++ {
		totalWritten += orch.Process(engineCfg.FrameSize * 2)
		rb.UpdateWritePtr()
		totalRead += rb.Read(out)
	}

	fmt.Printf("produced %d samples, consumer drained %d, across %d streams\n", totalWritten, totalRead, len(handles))
}

// toReadSeekers adapts concrete *os.File handles to the io.ReadSeeker
// interface LoadAudioFiles expects.
func toReadSeekers(files []*os.File) []io.ReadSeeker {
	out := make([]io.ReadSeeker, len(files))
	for i, f := range files {
		out[i] = f
	}
	return out
}

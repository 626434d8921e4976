package process

import (
	"fmt"
	"os"
	"os/exec"
	"os/signal"
	"syscall"
	"testing"
	"time"
)

// The test binary doubles as a fake backend when PROCESS_HELPER is set.
func TestMain(m *testing.M) {
	if mode := os.Getenv("PROCESS_HELPER"); mode != "" {
		os.Exit(runHelper(mode))
	}
	os.Exit(m.Run())
}

func runHelper(mode string) int {
	switch mode {
	case "echo":
		fmt.Println("hello stdout")
		fmt.Fprintln(os.Stderr, "hello stderr")
		return 0
	case "exit3":
		fmt.Println("boom")
		return 3
	case "lines":
		for i := 0; i < 50; i++ {
			fmt.Printf("line %d\n", i)
		}
		return 0
	case "sleep":
		fmt.Println("ready")
		time.Sleep(time.Minute)
		return 0
	case "spawn-child":
		child := exec.Command(os.Args[0], "-test.run=^$")
		child.Env = append(os.Environ(), "PROCESS_HELPER=sleep")
		if err := child.Start(); err != nil {
			fmt.Fprintln(os.Stderr, err)
			return 1
		}
		fmt.Printf("child %d\n", child.Process.Pid)
		time.Sleep(time.Minute)
		return 0
	case "ignore-term":
		signal.Ignore(syscall.SIGTERM)
		fmt.Println("ignoring")
		time.Sleep(time.Minute)
		return 0
	}
	return 2
}

func helperSpec(mode string) Spec {
	return Spec{
		Name:       "helper",
		Executable: os.Args[0],
		Args:       []string{"-test.run=^$"},
		Env:        append(os.Environ(), "PROCESS_HELPER="+mode),
	}
}

package lock

import (
	"context"
	"errors"
	"fmt"
	"github.com/ValentinKolb/dLock/cmd/util"
	"github.com/ValentinKolb/dLock/lib/lockmgr"
	"github.com/ValentinKolb/dLock/lib/store"
	"github.com/spf13/cobra"
	"os"
	"os/exec"
	"os/signal"
	"syscall"
)

const (
	// ExitBusy is the exit code of "lock run --try" if the lock is held by someone else
	ExitBusy = 3
)

var (
	tryOnly bool

	// LockCommands represents the lock command group
	LockCommands = &cobra.Command{
		Use:               "lock",
		Short:             "Perform lock operations",
		PersistentPreRunE: setupLockClient,
	}

	// runCmd represents the run command
	runCmd = &cobra.Command{
		Use:   "run [name] -- [command...]",
		Short: "Run a command while holding a lock",
		Long: `Acquire the lock, run the command and release the lock afterwards.
The lease of the lock is renewed while the command runs. If the renewal fails
the command is killed. With --try the command exits with code 3 if the lock
is held by someone else instead of waiting for it.`,
		Args: cobra.MinimumNArgs(2),
		RunE: runRun,
	}

	// ttlCmd represents the ttl command
	ttlCmd = &cobra.Command{
		Use:   "ttl [name]",
		Short: "Print the remaining lease of a lock",
		Args:  cobra.ExactArgs(1),
		RunE:  runTTL,
	}
)

func init() {
	// Add subcommands to lock command
	LockCommands.AddCommand(runCmd)
	LockCommands.AddCommand(ttlCmd)

	// Add common store and lock flags to the lock command
	util.SetupLockClientFlags(LockCommands)

	// Add flags specific to run
	runCmd.Flags().BoolVar(&tryOnly, "try", false, util.WrapString("Do not wait if the lock is held by someone else"))
}

// setupLockClient binds the flags of the called command
func setupLockClient(cmd *cobra.Command, _ []string) error {
	return util.BindCommandFlags(cmd)
}

// runRun handles the run command
func runRun(cmd *cobra.Command, args []string) error {
	name := args[0]
	command := args[1:]

	mgr, _, err := util.NewLockManager()
	if err != nil {
		return err
	}
	defer mgr.Close()

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	op := func(ctx context.Context) error {
		// the process is killed when ctx is cancelled (signal or lost lease)
		c := exec.CommandContext(ctx, command[0], command[1:]...)
		c.Stdin = os.Stdin
		c.Stdout = os.Stdout
		c.Stderr = os.Stderr
		if err := c.Run(); err != nil {
			if cause := context.Cause(ctx); cause != nil {
				return fmt.Errorf("command was stopped: %w", cause)
			}
			return err
		}
		return nil
	}

	if !tryOnly {
		return wrapExitError(mgr.Acquire(ctx, name, op))
	}

	ok, err := mgr.TryAcquire(ctx, name, op)
	if err != nil {
		return wrapExitError(err)
	}
	if !ok {
		fmt.Fprintf(os.Stderr, "lock %s is held by someone else\n", name)
		_ = mgr.Close()
		os.Exit(ExitBusy)
	}
	return nil
}

// runTTL handles the ttl command
func runTTL(cmd *cobra.Command, args []string) error {
	name := args[0]

	connector, err := util.GetConnector(util.GetConfig())
	if err != nil {
		return err
	}
	defer connector.Close()

	conn, err := connector.Connect(cmd.Context())
	if err != nil {
		return fmt.Errorf("failed to connect: %w", err)
	}
	defer conn.Close()

	ttl, err := conn.TTL(cmd.Context(), name)
	if err != nil {
		return fmt.Errorf("failed to read ttl: %w", err)
	}

	switch {
	case ttl == store.NoExpiry:
		fmt.Printf("locked=true, ttl=none\n")
	case ttl <= 0:
		fmt.Printf("locked=false\n")
	default:
		fmt.Printf("locked=true, ttl=%dms\n", ttl.Milliseconds())
	}
	return nil
}

// wrapExitError adds the exit code of a failed command to the error message
func wrapExitError(err error) error {
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return fmt.Errorf("command exited with code %d: %w", exitErr.ExitCode(), err)
	}
	if errors.Is(err, lockmgr.ErrInterrupted) {
		return fmt.Errorf("gave up waiting for the lock: %w", err)
	}
	return err
}

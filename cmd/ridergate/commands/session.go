package commands

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/urfave/cli/v3"
	"golang.org/x/term"

	"github.com/florianilch/ridergate/internal/account"
	"github.com/florianilch/ridergate/internal/session"
)

func loginCommand() *cli.Command {
	return &cli.Command{
		Name:  "login",
		Usage: "sign in and store the refresh token",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:  "email",
				Usage: "account email (prompted if omitted)",
			},
		},
		Action: loginAction,
	}
}

func logoutCommand() *cli.Command {
	return &cli.Command{
		Name:   "logout",
		Usage:  "sign out and remove the stored refresh token",
		Action: logoutAction,
	}
}

func statusCommand() *cli.Command {
	return &cli.Command{
		Name:   "status",
		Usage:  "restore the stored session and report the result",
		Action: statusAction,
	}
}

func loginAction(ctx context.Context, cmd *cli.Command) error {
	application, shutdown, err := setup(ctx, cmd)
	if err != nil {
		return err
	}
	defer flush(shutdown)
	defer func() { _ = application.Close() }()

	raw := cmd.Root().Reader
	in := bufio.NewReader(raw)
	out := cmd.Root().Writer

	email := cmd.String("email")
	if email == "" {
		if email, err = prompt(in, out, "Email: "); err != nil {
			return err
		}
	}
	password, err := readPassword(raw, in, out)
	if err != nil {
		return err
	}

	s, err := application.Account().Login(ctx, email, password)
	if err != nil {
		return fmt.Errorf("login failed: %w", err)
	}

	_, _ = fmt.Fprintf(out, "Logged in as %s\n", describe(s))
	return nil
}

func logoutAction(ctx context.Context, cmd *cli.Command) error {
	application, shutdown, err := setup(ctx, cmd)
	if err != nil {
		return err
	}
	defer flush(shutdown)
	defer func() { _ = application.Close() }()

	// Restore first so the remote session can be ended too
	res := application.Bootstrap(ctx)

	if err := application.Account().Logout(ctx); err != nil {
		return fmt.Errorf("logout failed: %w", err)
	}

	out := cmd.Root().Writer
	if res.Outcome == account.OutcomeLoggedIn {
		_, _ = fmt.Fprintf(out, "Logged out %s\n", describe(res.Session))
	} else {
		_, _ = fmt.Fprintln(out, "Not logged in")
	}
	return nil
}

func statusAction(ctx context.Context, cmd *cli.Command) error {
	application, shutdown, err := setup(ctx, cmd)
	if err != nil {
		return err
	}
	defer flush(shutdown)
	defer func() { _ = application.Close() }()

	res := application.Bootstrap(ctx)
	out := cmd.Root().Writer

	switch res.Outcome {
	case account.OutcomeLoggedIn:
		_, _ = fmt.Fprintf(out, "Logged in as %s\n", describe(res.Session))
		if exp, ok := res.Session.AccessTokenExpiry(); ok {
			_, _ = fmt.Fprintf(out, "Access token valid until %s\n", exp.Local().Format("2006-01-02 15:04:05"))
		}
	case account.OutcomeRevoked:
		_, _ = fmt.Fprintln(out, "Session expired, log in again")
	case account.OutcomeOffline:
		_, _ = fmt.Fprintf(out, "Remote API unreachable, stored session kept (%v)\n", res.Err)
	default:
		_, _ = fmt.Fprintln(out, "Not logged in")
	}
	return nil
}

func describe(s session.Session) string {
	if s.DisplayName == "" {
		return s.Email
	}
	return fmt.Sprintf("%s <%s>", s.DisplayName, s.Email)
}

func prompt(in *bufio.Reader, out io.Writer, label string) (string, error) {
	line, err := readLine(in, out, label)
	return strings.TrimSpace(line), err
}

// readLine returns one line without its line ending.
func readLine(in *bufio.Reader, out io.Writer, label string) (string, error) {
	_, _ = fmt.Fprint(out, label)
	line, err := in.ReadString('\n')
	if err != nil && !(errors.Is(err, io.EOF) && line != "") {
		return "", fmt.Errorf("reading input: %w", err)
	}
	line = strings.TrimSuffix(line, "\n")
	return strings.TrimSuffix(line, "\r"), nil
}

// readPassword reads without echo from a terminal, or a plain line otherwise.
// Surrounding spaces are part of the password.
func readPassword(raw io.Reader, in *bufio.Reader, out io.Writer) (string, error) {
	f, ok := raw.(*os.File)
	if !ok || !term.IsTerminal(int(f.Fd())) {
		return readLine(in, out, "Password: ")
	}
	fd := int(f.Fd())

	_, _ = fmt.Fprint(out, "Password: ")
	b, err := term.ReadPassword(fd)
	_, _ = fmt.Fprintln(out)
	if err != nil {
		return "", fmt.Errorf("reading password: %w", err)
	}
	return string(b), nil
}

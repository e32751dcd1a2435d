package commands

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/urfave/cli/v3"
	"golang.org/x/term"

	"github.com/florianilch/chatdesk/internal/tokenstore"
)

func loginCommand() *cli.Command {
	return &cli.Command{
		Name:  "login",
		Usage: "sign in and store the session",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:     "email",
				Usage:    "account email",
				Required: true,
			},
			&cli.StringFlag{
				Name:    "password",
				Usage:   "account password (prompted if omitted)",
				Sources: cli.EnvVars(envPrefix + "PASSWORD"),
			},
		},
		Action: loginAction,
	}
}

func loginAction(ctx context.Context, cmd *cli.Command) error {
	password := cmd.String("password")
	if password == "" {
		var err error
		password, err = readPassword(os.Stdin, os.Stderr)
		if err != nil {
			return err
		}
	}

	application, cleanup, err := bootstrap(ctx, cmd)
	if err != nil {
		return err
	}
	defer cleanup()

	user, err := application.Client().Login(ctx, cmd.String("email"), password)
	if err != nil {
		return fmt.Errorf("login failed: %w", err)
	}

	fmt.Fprintf(cmd.Root().Writer, "Signed in as %s\n", describeUser(user))
	return nil
}

// readPassword prompts on a terminal without echo, or reads one line otherwise.
func readPassword(in *os.File, prompt io.Writer) (string, error) {
	fd := int(in.Fd())
	if term.IsTerminal(fd) {
		fmt.Fprint(prompt, "Password: ")
		b, err := term.ReadPassword(fd)
		fmt.Fprintln(prompt)
		if err != nil {
			return "", fmt.Errorf("reading password: %w", err)
		}
		return string(b), nil
	}

	line, err := bufio.NewReader(in).ReadString('\n')
	if err != nil && !errors.Is(err, io.EOF) {
		return "", fmt.Errorf("reading password: %w", err)
	}
	line = strings.TrimRight(line, "\r\n")
	if line == "" {
		return "", errors.New("password required")
	}
	return line, nil
}

func logoutCommand() *cli.Command {
	return &cli.Command{
		Name:  "logout",
		Usage: "end the session and forget stored credentials",
		Action: func(ctx context.Context, cmd *cli.Command) error {
			application, cleanup, err := bootstrap(ctx, cmd)
			if err != nil {
				return err
			}
			defer cleanup()

			if err := application.Client().Logout(ctx); err != nil {
				return fmt.Errorf("logout failed: %w", err)
			}
			fmt.Fprintln(cmd.Root().Writer, "Signed out")
			return nil
		},
	}
}

func whoamiCommand() *cli.Command {
	return &cli.Command{
		Name:  "whoami",
		Usage: "show the signed-in user as reported by the backend",
		Action: func(ctx context.Context, cmd *cli.Command) error {
			application, cleanup, err := bootstrap(ctx, cmd)
			if err != nil {
				return err
			}
			defer cleanup()

			user, err := application.Client().Me(ctx)
			if err != nil {
				return err
			}
			enc := json.NewEncoder(cmd.Root().Writer)
			enc.SetIndent("", "  ")
			return enc.Encode(user)
		},
	}
}

func statusCommand() *cli.Command {
	return &cli.Command{
		Name:  "status",
		Usage: "inspect the stored session without contacting the backend",
		Action: func(ctx context.Context, cmd *cli.Command) error {
			application, cleanup, err := bootstrap(ctx, cmd)
			if err != nil {
				return err
			}
			defer cleanup()

			creds, err := application.Session().Current(ctx)
			if errors.Is(err, tokenstore.ErrNoCredentials) {
				fmt.Fprintln(cmd.Root().Writer, "Not signed in")
				return nil
			}
			if err != nil {
				return err
			}
			printStatus(cmd.Root().Writer, creds, time.Now())
			return nil
		},
	}
}

func printStatus(w io.Writer, creds tokenstore.Credentials, now time.Time) {
	fmt.Fprintf(w, "Signed in as %s\n", describeUser(creds.User))

	exp, ok := creds.ExpiresAt()
	switch {
	case !ok:
		fmt.Fprintln(w, "Access token expiry: unknown")
	case exp.After(now):
		fmt.Fprintf(w, "Access token expires: %s (in %s)\n", exp.Format(time.RFC3339), exp.Sub(now).Round(time.Second))
	default:
		fmt.Fprintf(w, "Access token expired: %s (refreshed on next request)\n", exp.Format(time.RFC3339))
	}
}

func describeUser(u *tokenstore.User) string {
	if u == nil {
		return "unknown user"
	}
	name := u.Email
	if u.Name != "" {
		name = fmt.Sprintf("%s <%s>", u.Name, u.Email)
	}
	if u.Role != "" {
		name += " (" + u.Role + ")"
	}
	return name
}

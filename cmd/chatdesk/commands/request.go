package commands

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strings"

	"github.com/urfave/cli/v3"

	"github.com/florianilch/chatdesk/internal/gateway"
)

func requestCommand() *cli.Command {
	return &cli.Command{
		Name:      "request",
		Usage:     "send an authenticated API request and print the response body",
		ArgsUsage: "METHOD PATH",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:  "data",
				Usage: "JSON request body",
			},
			&cli.StringSliceFlag{
				Name:  "query",
				Usage: "query parameter as key=value (repeatable)",
			},
			&cli.StringFlag{
				Name:  "file",
				Usage: "upload a file as multipart form data, as field=path",
			},
			&cli.BoolFlag{
				Name:  "anonymous",
				Usage: "send without the session's access token",
			},
		},
		Action: requestAction,
	}
}

func requestAction(ctx context.Context, cmd *cli.Command) error {
	if cmd.NArg() != 2 {
		return errors.New("usage: chatdesk request METHOD PATH")
	}
	method := strings.ToUpper(cmd.Args().Get(0))
	path := cmd.Args().Get(1)

	query, err := parseQuery(cmd.StringSlice("query"))
	if err != nil {
		return err
	}

	application, cleanup, err := bootstrap(ctx, cmd)
	if err != nil {
		return err
	}
	defer cleanup()

	if spec := cmd.String("file"); spec != "" {
		if method != http.MethodPost {
			return errors.New("--file requires POST")
		}
		return upload(ctx, cmd, application.Gateway(), path, spec)
	}

	req := gateway.NewRequest(method, path)
	req.Query = query
	req.Anonymous = cmd.Bool("anonymous")
	if data := cmd.String("data"); data != "" {
		if !json.Valid([]byte(data)) {
			return errors.New("--data is not valid JSON")
		}
		req.Body = []byte(data)
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := application.Gateway().Dispatch(ctx, req)
	if err != nil {
		return err
	}
	return writeBody(cmd, resp.Body)
}

func upload(ctx context.Context, cmd *cli.Command, gw *gateway.Gateway, path, spec string) error {
	field, filePath, ok := strings.Cut(spec, "=")
	if !ok || field == "" || filePath == "" {
		return fmt.Errorf("invalid --file %q, want field=path", spec)
	}
	f, err := os.Open(filePath)
	if err != nil {
		return err
	}
	defer f.Close()

	var out json.RawMessage
	if err := gw.Upload(ctx, path, field, filepath.Base(filePath), f, &out); err != nil {
		return err
	}
	return writeBody(cmd, out)
}

func parseQuery(pairs []string) (url.Values, error) {
	if len(pairs) == 0 {
		return nil, nil
	}
	q := url.Values{}
	for _, p := range pairs {
		k, v, ok := strings.Cut(p, "=")
		if !ok || k == "" {
			return nil, fmt.Errorf("invalid --query %q, want key=value", p)
		}
		q.Add(k, v)
	}
	return q, nil
}

func writeBody(cmd *cli.Command, body []byte) error {
	w := cmd.Root().Writer
	if len(body) == 0 {
		return nil
	}
	if _, err := w.Write(body); err != nil {
		return err
	}
	if body[len(body)-1] != '\n' {
		_, err := fmt.Fprintln(w)
		return err
	}
	return nil
}

package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/PuerkitoBio/goquery"
	"github.com/ahrdadan/agentab/internal/a11y"
	"github.com/ahrdadan/agentab/internal/browser"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

type snapshotOptions struct {
	block       []string
	screenshot  string
	jpegQuality int
	links       bool
	forms       bool
	fromFile    string
}

func newSnapshotCmd(a *app) *cobra.Command {
	var opts snapshotOptions
	cmd := &cobra.Command{
		Use:   "snapshot [url]",
		Short: "Print the accessibility tree of a page",
		Long: `Opens url in a fresh browser session and prints its accessibility tree.
With --from-file the tree of a saved HTML document is printed instead and no
browser is started.`,
		Args: func(cmd *cobra.Command, args []string) error {
			if opts.fromFile != "" {
				return cobra.NoArgs(cmd, args)
			}
			return cobra.ExactArgs(1)(cmd, args)
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			out := cmd.OutOrStdout()
			if opts.fromFile != "" {
				return snapshotFile(out, opts.fromFile)
			}
			return snapshot(cmd.Context(), a, out, args[0], opts)
		},
	}
	flags := cmd.Flags()
	flags.StringSliceVar(&opts.block, "block", nil, "resource types to block, e.g. image,font,media")
	flags.StringVar(&opts.screenshot, "screenshot", "", "write a screenshot to this path")
	flags.IntVar(&opts.jpegQuality, "jpeg-quality", 0, "write the screenshot as JPEG with this quality (1-100)")
	flags.BoolVar(&opts.links, "links", false, "also print the page links as JSON")
	flags.BoolVar(&opts.forms, "forms", false, "also print the form fields as JSON")
	flags.StringVar(&opts.fromFile, "from-file", "", "read a saved HTML document instead of opening a url")
	return cmd
}

func snapshotFile(out io.Writer, path string) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()

	doc, err := goquery.NewDocumentFromReader(f)
	if err != nil {
		return fmt.Errorf("parsing %s: %w", path, err)
	}
	_, err = fmt.Fprintln(out, a11y.Tree(doc))
	return err
}

func snapshot(ctx context.Context, a *app, out io.Writer, url string, opts snapshotOptions) (err error) {
	sc, err := a.cfg.Browser.SessionConfig()
	if err != nil {
		return err
	}
	session, err := browser.Launch(ctx, sc, a.logger)
	if err != nil {
		return err
	}
	defer func() {
		err = errors.Join(err, session.Close())
	}()

	page, err := session.NewPage(ctx, browser.BlankURL)
	if err != nil {
		return err
	}
	page.BlockResources(opts.block...)
	if err := page.Goto(ctx, url); err != nil {
		return err
	}

	tree, err := page.AccessibilityTree(ctx)
	if err != nil {
		return err
	}
	if _, err := fmt.Fprintln(out, tree); err != nil {
		return err
	}

	if opts.screenshot != "" {
		if opts.jpegQuality > 0 {
			err = page.ScreenshotJPEGToFile(ctx, opts.screenshot, opts.jpegQuality)
		} else {
			err = page.ScreenshotToFile(ctx, opts.screenshot)
		}
		if err != nil {
			return err
		}
		a.logger.Info("screenshot written", zap.String("path", opts.screenshot))
	}

	enc := json.NewEncoder(out)
	enc.SetIndent("", "  ")
	if opts.links {
		links, err := page.GetLinks(ctx)
		if err != nil {
			return err
		}
		if err := enc.Encode(links); err != nil {
			return err
		}
	}
	if opts.forms {
		fields, err := page.GetFormFields(ctx)
		if err != nil {
			return err
		}
		if err := enc.Encode(fields); err != nil {
			return err
		}
	}
	return nil
}

package cmd

import (
	"fmt"
	"io"
	"net/url"
	"os"

	"github.com/spf13/cobra"

	"github.com/JakeFAU/mirrorshield/internal/guard"
	"github.com/JakeFAU/mirrorshield/internal/profile"
	"github.com/JakeFAU/mirrorshield/internal/proxy"
	"github.com/JakeFAU/mirrorshield/internal/sanitize"
)

type sanitizeOptions struct {
	profile string
	noGuard bool
	baseURL string
}

// newSanitizeCmd runs the HTML branch of the proxy over a local file so rule
// changes can be checked against saved pages.
func newSanitizeCmd(root *rootOptions) *cobra.Command {
	opts := &sanitizeOptions{}
	cmd := &cobra.Command{
		Use:   "sanitize [file]",
		Short: "Rewrites an HTML file (or stdin) the way the proxy would",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			p, err := opts.resolveProfile(root)
			if err != nil {
				return err
			}
			in := cmd.InOrStdin()
			if len(args) == 1 && args[0] != "-" {
				f, err := os.Open(args[0])
				if err != nil {
					return fmt.Errorf("open input: %w", err)
				}
				defer f.Close() //nolint:errcheck // read-only
				in = f
			}
			return opts.run(p, in, cmd.OutOrStdout(), cmd.ErrOrStderr())
		},
	}
	cmd.Flags().StringVar(&opts.profile, "profile", "", "profile id (defaults to default_profile)")
	cmd.Flags().BoolVar(&opts.noGuard, "no-guard", false, "skip guard injection")
	cmd.Flags().StringVar(&opts.baseURL, "base-url", "", "page URL used to resolve the player frame of frame-only profiles")
	return cmd
}

func (o *sanitizeOptions) resolveProfile(root *rootOptions) (*profile.Profile, error) {
	cfg, err := root.load()
	if err != nil {
		return nil, err
	}
	profiles, def, err := cfg.BuildProfiles()
	if err != nil {
		return nil, fmt.Errorf("profiles: %w", err)
	}
	want := o.profile
	if want == "" {
		want = def
	}
	for _, p := range profiles {
		if p.ID == want {
			return p, nil
		}
	}
	return nil, fmt.Errorf("profile %q is not configured", want)
}

func (o *sanitizeOptions) run(p *profile.Profile, in io.Reader, out, report io.Writer) error {
	doc, err := sanitize.Parse(in)
	if err != nil {
		return err
	}
	if p.FrameOnly {
		base, err := url.Parse(o.baseURL)
		if err != nil {
			return fmt.Errorf("parse base url: %w", err)
		}
		if doc, err = proxy.ExtractFrame(doc, base); err != nil {
			return fmt.Errorf("extract frame: %w", err)
		}
	}

	s := sanitize.New(p)
	rep := s.Apply(doc)
	if !o.noGuard {
		inj, err := guard.New(p)
		if err != nil {
			return err
		}
		if _, err := inj.Inject(doc.Nodes[0]); err != nil {
			return err
		}
	}
	rendered, err := sanitize.Render(doc)
	if err != nil {
		return err
	}
	if _, err := io.WriteString(out, rendered); err != nil {
		return fmt.Errorf("write output: %w", err)
	}

	fmt.Fprintf(report, "profile %s: %d removed in %d passes\n", p.ID, rep.Total(), rep.Passes)
	for _, r := range s.Rules() {
		fmt.Fprintf(report, "  %-20s %d\n", r.Name, rep.Removed[r.Name])
	}
	return nil
}

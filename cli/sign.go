package cli

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/rs/zerolog"
	"golang.org/x/term"

	"github.com/georgepadayatti/gopdfsign/config"
	"github.com/georgepadayatti/gopdfsign/keys"
	"github.com/georgepadayatti/gopdfsign/sign/signers"
)

// SignCmd implements the 'sign' command.
type SignCmd struct {
	Keystore string `arg:"" help:"PKCS#12 keystore or PEM bundle. Ignored for PKCS#11 tokens."`
	Password string `arg:"" help:"Keystore password or token PIN; '-' reads it from the terminal."`
	PDF      string `arg:"" name:"pdf" help:"PDF file to sign." type:"existingfile"`

	TSA          string `help:"Time-stamp authority URL." name:"tsa" placeholder:"URL"`
	Alias        string `help:"Keystore entry to sign with; the first one when empty."`
	KeystoreType string `help:"Keystore type: pkcs12, pem or pkcs11." name:"keystore-type" placeholder:"TYPE"`
	Prompt       bool   `help:"Read the password from the terminal."`
	Name         string `help:"Name of the signatory."`
	Location     string `help:"Location of the signatory."`
	Reason       string `help:"Reason for signing."`
	Contact      string `help:"Contact information for signatory."`
	Page         int    `help:"0-based page that carries the signature." default:"-1"`
	Field        string `help:"Name of the signature field."`
	Digest       string `help:"Digest algorithm: sha256, sha384 or sha512."`
	Output       string `help:"Output file; defaults to <name>_signed.pdf next to the input." short:"o" type:"path"`
}

// readPassword reads a password from the terminal without echo.
var readPassword = func(prompt string, stderr io.Writer) (string, error) {
	fmt.Fprint(stderr, prompt)
	pw, err := term.ReadPassword(int(os.Stdin.Fd()))
	fmt.Fprintln(stderr)
	if err != nil {
		return "", fmt.Errorf("failed to read password: %w", err)
	}
	return string(pw), nil
}

// OutputPath returns the signed file name for input: the input's base name
// without extension, suffixed with _signed.pdf, in the same directory.
func OutputPath(input string) string {
	dir, name := filepath.Split(input)
	if ext := filepath.Ext(name); ext != "" {
		name = strings.TrimSuffix(name, ext)
	}
	return filepath.Join(dir, name+"_signed.pdf")
}

// Run implements the sign command.
func (s *SignCmd) Run(ctx context.Context, g *Globals) error {
	cfg, err := s.loadConfig(g)
	if err != nil {
		return err
	}

	logger, closer, err := cfg.Logging.Logger()
	if err != nil {
		return err
	}
	defer closer.Close()
	ctx = logger.WithContext(ctx)

	out := s.Output
	if out == "" {
		out = OutputPath(s.PDF)
	}
	if err := s.sign(ctx, cfg, out, g.stderr); err != nil {
		logger.Error().Err(err).Str("stage", signers.Stage(err)).Msg("signing failed")
		return err
	}
	fmt.Fprintf(g.stdout, "Successfully signed PDF: %s\n", out)
	return nil
}

// loadConfig reads the configuration file, if any, and applies the flags
// on top of it.
func (s *SignCmd) loadConfig(g *Globals) (*config.AppConfig, error) {
	cfg := config.DefaultAppConfig()
	if g.Config != "" {
		var err error
		if cfg, err = config.LoadAppConfig(g.Config); err != nil {
			return nil, err
		}
	}

	sc := cfg.Signing
	sc.Keystore = s.Keystore
	set := func(dst *string, v string) {
		if v != "" {
			*dst = v
		}
	}
	set(&sc.KeystoreType, s.KeystoreType)
	set(&sc.Alias, s.Alias)
	set(&sc.Name, s.Name)
	set(&sc.Location, s.Location)
	set(&sc.Reason, s.Reason)
	set(&sc.ContactInfo, s.Contact)
	set(&sc.FieldName, s.Field)
	set(&sc.DigestAlgorithm, s.Digest)
	if s.Page >= 0 {
		sc.Page = s.Page
	}
	if s.Prompt {
		sc.PromptPassphrase = true
	}
	set(&cfg.Timestamp.URL, s.TSA)
	set(&cfg.Logging.Level, g.LogLevel)
	set(&cfg.Logging.Format, g.LogFormat)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (s *SignCmd) sign(ctx context.Context, cfg *config.AppConfig, out string, stderr io.Writer) (err error) {
	log := zerolog.Ctx(ctx)

	password := s.Password
	if password == "-" || cfg.Signing.PromptPassphrase {
		if password, err = readPassword("Password: ", stderr); err != nil {
			return err
		}
	}

	container, err := cfg.Signing.OpenContainer(password)
	if err != nil {
		return &signers.DocumentIOError{Message: "failed to open keystore", Cause: err}
	}
	if c, ok := container.(io.Closer); ok {
		defer c.Close()
	}
	km, err := keys.Resolve(container, password, keys.WithAlias(cfg.Signing.Alias))
	if err != nil {
		return err
	}
	defer km.Close()
	log.Debug().Str("alias", km.Alias).Str("subject", km.Certificate().Subject.String()).Time("not_after", km.NotAfter).Msg("key material resolved")

	doc, err := signers.LoadDocumentFile(s.PDF)
	if err != nil {
		return err
	}
	orch := signers.NewOrchestrator(doc)
	spec, err := orch.NewSpec(cfg.Signing.Request())
	if err != nil {
		return err
	}

	h, err := cfg.Signing.Digest()
	if err != nil {
		return err
	}
	opts := []signers.CMSOption{signers.WithDigest(h)}
	if ts := cfg.Timestamp.Timestamper(); ts != nil {
		opts = append(opts, signers.WithTimestamper(ts))
	}
	signer, err := signers.NewCMSSigner(km, opts...)
	if err != nil {
		return err
	}

	return writeAtomically(out, func(w io.Writer) error {
		return orch.Sign(ctx, spec, signer, w)
	})
}

// writeAtomically writes through a temporary file in the target directory
// and renames it over path only when write succeeds.
func writeAtomically(path string, write func(io.Writer) error) (err error) {
	tmp, err := os.CreateTemp(filepath.Dir(path), ".gopdfsign-*.pdf")
	if err != nil {
		return &signers.DocumentIOError{Message: "failed to create output", Cause: err}
	}
	defer func() {
		if err != nil {
			tmp.Close()
			os.Remove(tmp.Name())
		}
	}()

	if err := write(tmp); err != nil {
		return err
	}
	if err := tmp.Close(); err != nil {
		return &signers.DocumentIOError{Message: "failed to close output", Cause: err}
	}
	if err := os.Chmod(tmp.Name(), 0o644); err != nil {
		return &signers.DocumentIOError{Message: "failed to set output permissions", Cause: err}
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return &signers.DocumentIOError{Message: "failed to move output into place", Cause: err}
	}
	return nil
}

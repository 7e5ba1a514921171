package main

import (
	"crypto/ed25519"
	"encoding/hex"
	"fmt"
	"os"

	"github.com/BurntSushi/toml"
	"github.com/spf13/cobra"

	"github.com/cob-systems/cob/internal/config"
	"github.com/cob-systems/cob/internal/gitstore"
	"github.com/cob-systems/cob/internal/identity"
	"github.com/cob-systems/cob/internal/oid"
	"github.com/cob-systems/cob/internal/signing"
)

// identityRevision is the delegate-set revision cob's single-key local
// identity always signs at. A real identity/delegate system (spec.md §1
// treats it as an external collaborator) would let this grow over time;
// the CLI's own minimal identity never does.
const identityRevision = 0

// identityFile is the on-disk form of a local identity: a persisted
// ed25519 keypair plus the hash of the identity-root commit it was
// published under, so repeated CLI invocations resolve to the same
// author/delegate rather than minting a fresh identity each time.
type identityFile struct {
	Commit     string `toml:"commit"`
	Label      string `toml:"label"`
	PublicKey  string `toml:"public_key"`
	PrivateKey string `toml:"private_key"`
}

type localIdentity struct {
	Commit oid.ID
	Label  string
	Signer *signing.Ed25519Signer
}

// loadOrCreateIdentity reads path if present, or else generates a fresh
// ed25519 keypair, publishes an identity-root commit for it in gs, and
// persists the result to path. Either way it returns an identity.Registry
// with that identity delegated to that key at identityRevision, ready for
// change.Store/schema.Store to consult.
func loadOrCreateIdentity(gs gitstore.Store, path string) (*localIdentity, *identity.Registry, error) {
	registry := identity.NewRegistry(signing.Ed25519Verifier{})

	if data, err := os.ReadFile(path); err == nil { // #nosec G304 -- operator-supplied identity path
		var f identityFile
		if _, err := toml.Decode(string(data), &f); err != nil {
			return nil, nil, fmt.Errorf("parse identity file %s: %w", path, err)
		}
		commit, err := oid.Decode(f.Commit)
		if err != nil {
			return nil, nil, fmt.Errorf("identity file %s: bad commit id: %w", path, err)
		}
		priv, err := hex.DecodeString(f.PrivateKey)
		if err != nil {
			return nil, nil, fmt.Errorf("identity file %s: bad private key: %w", path, err)
		}
		signer := signing.NewEd25519Signer(ed25519.PrivateKey(priv))
		registry.Delegate(commit, identityRevision, signer.PublicKey())
		return &localIdentity{Commit: commit, Label: f.Label, Signer: signer}, registry, nil
	} else if !os.IsNotExist(err) {
		return nil, nil, fmt.Errorf("read identity file %s: %w", path, err)
	}

	signer, err := signing.GenerateEd25519Signer()
	if err != nil {
		return nil, nil, fmt.Errorf("generate identity key: %w", err)
	}
	label := config.GetIdentity("")
	commit, err := gs.WriteCommit(gitstore.Commit{
		Tree: gitstore.Tree{
			"public_key": []byte(hex.EncodeToString(signer.PublicKey())),
			"label":      []byte(label),
		},
	})
	if err != nil {
		return nil, nil, fmt.Errorf("publish identity root: %w", err)
	}
	registry.Delegate(commit, identityRevision, signer.PublicKey())
	return persistIdentity(path, commit, label, signer, registry)
}

func persistIdentity(path string, commit oid.ID, label string, signer *signing.Ed25519Signer, registry *identity.Registry) (*localIdentity, *identity.Registry, error) {
	priv := signer.PrivateKeyBytes()
	f := identityFile{
		Commit:     oid.Encode(commit),
		Label:      label,
		PublicKey:  hex.EncodeToString(signer.PublicKey()),
		PrivateKey: hex.EncodeToString(priv),
	}

	file, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o600)
	if err != nil {
		return nil, nil, fmt.Errorf("write identity file %s: %w", path, err)
	}
	defer file.Close()
	if err := toml.NewEncoder(file).Encode(f); err != nil {
		return nil, nil, fmt.Errorf("encode identity file %s: %w", path, err)
	}

	return &localIdentity{Commit: commit, Label: label, Signer: signer}, registry, nil
}

var identityCmd = &cobra.Command{
	Use:   "identity",
	Short: "Inspect the local signing identity",
	RunE: func(cmd *cobra.Command, args []string) error {
		app, err := newAppContext()
		if err != nil {
			return err
		}
		fmt.Printf("%s %s\n", titleStyle.Render("identity:"), oid.Encode(app.ident.Commit))
		if app.ident.Label != "" {
			fmt.Printf("%s %s\n", mutedStyle.Render("label:"), app.ident.Label)
		}
		fmt.Printf("%s %x\n", mutedStyle.Render("public key:"), app.ident.Signer.PublicKey())
		return nil
	},
}

package cli

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"time"

	"github.com/georgepadayatti/goesign/envelope"
	"github.com/georgepadayatti/goesign/integrity"
	"github.com/georgepadayatti/goesign/pdf/generic"
	"github.com/georgepadayatti/goesign/pdf/metadata"
	"github.com/georgepadayatti/goesign/pdf/reader"
)

// VerifyOutput is the output of the verify-hash command.
type VerifyOutput struct {
	Document     *DocumentInfoJSON      `json:"document,omitempty"`
	Verification *envelope.Verification `json:"verification"`
}

// DocumentInfoJSON contains PDF document metadata for JSON output.
type DocumentInfoJSON struct {
	Version       string `json:"version"`
	Title         string `json:"title,omitempty"`
	Creator       string `json:"creator,omitempty"`
	Producer      string `json:"producer,omitempty"`
	CreationDate  string `json:"creation_date,omitempty"`
	ModDate       string `json:"mod_date,omitempty"`
	Pages         int    `json:"pages"`
	Revisions     int    `json:"revisions"`
	AuditMetadata bool   `json:"audit_metadata"`
}

// VerifyHashCommand implements the 'verify-hash' command.
func VerifyHashCommand(args []string) error {
	fs, configPath := newFlagSet("verify-hash", "<envelope-id>",
		"Re-hash an envelope's stored document and compare it with the recorded hash.\n"+
			"With -file, a local copy such as an exported PDF is checked instead.\n"+
			"Exits with status 15 when the hashes differ.")
	file := fs.String("file", "", "Check this local PDF instead of the stored document")
	if err := parse(fs, args, 1, 1); err != nil {
		return err
	}
	id := fs.Arg(0)

	return withApp(*configPath, func(ctx context.Context, a *app) error {
		var (
			v   *envelope.Verification
			doc []byte
			err error
		)
		if *file != "" {
			v, doc, err = verifyLocal(ctx, a, id, *file)
		} else {
			v, err = a.service.VerifyDocument(ctx, id)
			if v != nil {
				doc, _ = a.docs.Load(ctx, v.DocumentRef)
			}
		}
		if v == nil {
			return err
		}
		writeJSON(stdout, VerifyOutput{Document: documentInfo(doc), Verification: v})
		return err
	})
}

func verifyLocal(ctx context.Context, a *app, id, path string) (*envelope.Verification, []byte, error) {
	env, err := a.service.Get(ctx, id)
	if err != nil {
		return nil, nil, err
	}
	doc, err := os.ReadFile(path)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to read %s: %w", path, err)
	}
	alg, err := integrity.ParseAlgorithm(env.HashAlgorithm)
	if err != nil {
		return nil, nil, err
	}
	h, err := integrity.NewHasher(alg)
	if err != nil {
		return nil, nil, err
	}
	v := &envelope.Verification{
		EnvelopeID:   env.ID,
		Status:       env.Status,
		DocumentRef:  path,
		Algorithm:    string(h.Algorithm()),
		ExpectedHash: env.ExpectedHash(),
		ActualHash:   h.Hash(doc),
		CheckedAt:    time.Now().UTC(),
	}
	err = h.VerifyRef(doc, v.ExpectedHash, path)
	v.Verified = err == nil
	return v, doc, err
}

// documentInfo describes doc, or returns nil if it cannot be parsed.
func documentInfo(doc []byte) *DocumentInfoJSON {
	if len(doc) == 0 {
		return nil
	}
	r, err := reader.Open(doc)
	if err != nil {
		return nil
	}
	info := &DocumentInfoJSON{
		Version:   r.Version(),
		Pages:     r.PageCount(),
		Revisions: bytes.Count(doc, []byte("%%EOF")),
	}
	if d, err := r.ResolveDict(r.Trailer().Get("Info")); err == nil && d != nil {
		info.Title = infoString(r, d, "Title")
		info.Creator = infoString(r, d, "Creator")
		info.Producer = infoString(r, d, "Producer")
		info.CreationDate = infoDate(r, d, "CreationDate")
		info.ModDate = infoDate(r, d, "ModDate")
	}
	if obj, err := r.Resolve(r.Root().Get("Metadata")); err == nil {
		if s, ok := obj.(*generic.Stream); ok {
			if data, err := r.DecodeStream(s); err == nil {
				info.AuditMetadata = bytes.Contains(data, []byte("esig:envelopeId"))
			}
		}
	}
	return info
}

func infoString(r *reader.Reader, d *generic.Dictionary, key string) string {
	obj, err := r.Resolve(d.Get(key))
	if err != nil {
		return ""
	}
	if s, ok := obj.(*generic.String); ok {
		return s.Text()
	}
	return ""
}

func infoDate(r *reader.Reader, d *generic.Dictionary, key string) string {
	s := infoString(r, d, key)
	if s == "" {
		return ""
	}
	t, err := metadata.ParsePDFDate(s)
	if err != nil {
		return s
	}
	return t.Format(time.RFC3339)
}

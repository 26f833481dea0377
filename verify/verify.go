// Package verify checks the remote volumes against the local database.
//
// The listing is compared with the registry first. Then a sample of the
// live volumes, or all of them, is downloaded, checked against the
// recorded hash and size, and its contents compared with what the
// database says it holds. Volumes passing are marked Verified. Problems
// which make backed up data unrecoverable are errors; others are warnings.
package verify

import (
	"context"
	"sort"
	"strconv"

	"github.com/pkg/errors"

	"github.com/ndlib/strata/job"
	"github.com/ndlib/strata/localdb"
	"github.com/ndlib/strata/volume"
)

// Options for a verify run.
type Options struct {
	// Samples is the number of volumes of each type to download. The ones
	// verified least often are chosen. Defaults to 1.
	Samples int

	// Full downloads every live volume.
	Full bool
}

// Report describes a verify run.
type Report struct {
	*job.Report
	Checked       int // volumes downloaded and checked
	Missing       int // live volumes not in the store
	Extra         int // volumes in the store the database does not expect
	Damaged       int // volumes whose download or contents did not match
	MissingBlocks int // blocks needing rebuild
}

// Run verifies the store.
func Run(ctx context.Context, env *job.Env, opts Options) (*Report, error) {
	if opts.Samples <= 0 {
		opts.Samples = 1
	}
	r := &Report{Report: env.NewReport("Test", false)}
	remotes, err := env.List(ctx)
	if err != nil {
		return nil, err
	}
	listing := make(map[string]job.Remote, len(remotes))
	for _, rem := range remotes {
		listing[rem.Key] = rem
	}
	err = env.DB.Update(ctx, func(tx *localdb.Tx) error {
		if err := r.Begin(tx, env.Now()); err != nil {
			return err
		}
		v := &verifier{env: env, tx: tx, r: r}
		if err := v.run(ctx, listing, opts); err != nil {
			return err
		}
		return r.Save(tx)
	})
	if err != nil {
		return nil, err
	}
	env.Bump("verify.checked", float64(r.Checked))
	return r, nil
}

type verifier struct {
	env *job.Env
	tx  *localdb.Tx
	r   *Report
}

func (v *verifier) run(ctx context.Context, listing map[string]job.Remote, opts Options) error {
	known, err := v.tx.Volumes()
	if err != nil {
		return err
	}
	expected := make(map[string]bool)
	byType := make(map[volume.Type][]localdb.RemoteVolume)
	for _, vol := range known {
		switch vol.State {
		case localdb.Uploaded, localdb.Verified:
		case localdb.Deleting, localdb.Deleted:
			continue
		default:
			// unfinished, or already known to be bad
			v.r.Warnf("volume %s is in state %s", vol.Name, vol.State)
			expected[vol.Name] = true
			continue
		}
		expected[vol.Name] = true
		rem, ok := listing[vol.Name]
		switch {
		case !ok:
			v.missing(vol)
		case rem.Size != vol.Size:
			v.damaged(vol, "size %d, expected %d", rem.Size, vol.Size)
		default:
			byType[vol.Type] = append(byType[vol.Type], vol)
		}
	}
	var extra []string
	for name := range listing {
		if !expected[name] {
			extra = append(extra, name)
		}
	}
	sort.Strings(extra)
	for _, name := range extra {
		v.r.Warnf("volume %s is not in the database", name)
		v.r.Extra++
	}

	for _, typ := range []volume.Type{volume.Files, volume.Index, volume.Blocks} {
		vols := byType[typ]
		sort.SliceStable(vols, func(i, j int) bool {
			if vols[i].VerificationCount != vols[j].VerificationCount {
				return vols[i].VerificationCount < vols[j].VerificationCount
			}
			return vols[i].Name < vols[j].Name
		})
		if !opts.Full && len(vols) > opts.Samples {
			vols = vols[:opts.Samples]
		}
		for _, vol := range vols {
			if err := ctx.Err(); err != nil {
				return err
			}
			if err := v.check(ctx, vol); err != nil {
				return err
			}
		}
	}

	missing, err := v.tx.LiveMissingBlocks()
	if err != nil {
		return err
	}
	if len(missing) > 0 {
		v.r.MissingBlocks = len(missing)
		v.r.Errorf("%d blocks are missing and need to be rebuilt", len(missing))
	}
	dups, err := v.tx.DuplicateEntries()
	if err != nil {
		return err
	}
	for _, g := range dups {
		v.r.Warnf("path %s is listed %d times in one fileset", g.Path, len(g.Files))
	}
	return nil
}

// missing reports a live volume absent from the store. Losing a dblock
// loses data; indexes and filelists can be regenerated.
func (v *verifier) missing(vol localdb.RemoteVolume) {
	v.r.Missing++
	if vol.Type == volume.Blocks {
		v.r.Errorf("volume %s is missing", vol.Name)
	} else {
		v.r.Warnf("volume %s is missing", vol.Name)
	}
}

func (v *verifier) damaged(vol localdb.RemoteVolume, format string, args ...interface{}) {
	v.r.Damaged++
	args = append([]interface{}{vol.Name}, args...)
	if vol.Type == volume.Blocks {
		v.r.Errorf("volume %s: "+format, args...)
	} else {
		v.r.Warnf("volume %s: "+format, args...)
	}
}

// check downloads one volume and compares it with the database.
func (v *verifier) check(ctx context.Context, vol localdb.RemoteVolume) error {
	data, err := v.env.Download(ctx, vol.Name, vol.Size, vol.Hash)
	if err != nil {
		v.damaged(vol, "%s", err)
		return nil
	}
	v.r.Checked++
	var problem string
	switch vol.Type {
	case volume.Blocks:
		problem, err = v.checkBlocks(vol, data)
	case volume.Index:
		problem, err = v.checkIndex(vol, data)
	case volume.Files:
		problem, err = v.checkFilelist(vol, data)
	}
	if err != nil {
		return err
	}
	if problem != "" {
		v.damaged(vol, "%s", problem)
		return nil
	}
	return v.tx.MarkVerified(vol.ID)
}

func (v *verifier) checkBlocks(vol localdb.RemoteVolume, data []byte) (string, error) {
	br, err := volume.OpenBlocks(vol.Name, data, v.env.Volume.Encryption)
	if err != nil {
		return err.Error(), nil
	}
	have := make(map[string]bool)
	err = br.Each(func(hash string, block []byte) error {
		have[hash] = true
		return nil
	})
	if err != nil {
		return err.Error(), nil
	}
	owned, err := v.tx.BlocksInVolume(vol.ID)
	if err != nil {
		return "", err
	}
	dups, err := v.tx.DuplicatesInVolume(vol.ID)
	if err != nil {
		return "", err
	}
	for _, b := range append(owned, dups...) {
		if !have[b.Hash] {
			return "block " + b.Hash + " is missing", nil
		}
	}
	return "", nil
}

func (v *verifier) checkIndex(vol localdb.RemoteVolume, data []byte) (string, error) {
	ir, err := volume.OpenIndex(vol.Name, data, v.env.Volume.Encryption)
	if err != nil {
		return err.Error(), nil
	}
	ivs, err := ir.Volumes()
	if err != nil {
		return err.Error(), nil
	}
	described, err := v.tx.BlockVolumesOf(vol.ID)
	if err != nil {
		return "", err
	}
	linked := make(map[string]localdb.RemoteVolume)
	for _, d := range described {
		linked[d.Name] = d
	}
	for _, iv := range ivs {
		d, ok := linked[iv.Name]
		if !ok {
			continue
		}
		delete(linked, iv.Name)
		if iv.VolumeSize != d.Size || (d.Hash != "" && iv.VolumeHash != d.Hash) {
			return "describes " + iv.Name + " with a different size or hash", nil
		}
	}
	if len(linked) > 0 {
		var names []string
		for name := range linked {
			names = append(names, name)
		}
		sort.Strings(names)
		return "does not describe " + names[0], nil
	}
	return "", nil
}

func (v *verifier) checkFilelist(vol localdb.RemoteVolume, data []byte) (string, error) {
	fs, err := v.tx.FilesetByVolume(vol.ID)
	if errors.Is(err, localdb.ErrNotFound) {
		return "", nil
	} else if err != nil {
		return "", err
	}
	fr, err := volume.OpenFilelist(vol.Name, data, v.env.Volume.Encryption)
	if err != nil {
		return err.Error(), nil
	}
	defer fr.Close()
	files, err := v.tx.FilesetFiles(fs.ID)
	if err != nil {
		return "", err
	}
	want := make(map[string]localdb.FileRow, len(files))
	for _, f := range files {
		want[f.Path] = f
	}
	n := 0
	for fr.Next() {
		e := fr.Entry()
		f, ok := want[e.Path]
		if !ok {
			return "lists " + e.Path + " which the fileset does not have", nil
		}
		if e.Type == volume.File && (f.FullHash != e.Hash || f.Length != e.Size) {
			return "has different content for " + e.Path, nil
		}
		n++
	}
	if err := fr.Err(); err != nil {
		return err.Error(), nil
	}
	if n != len(files) {
		return "lists " + strconv.Itoa(n) + " paths, the fileset has " + strconv.Itoa(len(files)), nil
	}
	return "", nil
}

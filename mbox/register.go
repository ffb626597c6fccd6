package mbox

import (
	"fmt"
	"strconv"

	"github.com/infodancer/mailstore"
	"github.com/infodancer/mailstore/config"
	"github.com/infodancer/mailstore/errors"
)

func init() {
	mailstore.Register("mbox", func(sc mailstore.StoreConfig) (mailstore.MailStore, error) {
		if sc.BasePath == "" {
			return nil, errors.ErrStoreConfigInvalid
		}
		cfg, err := storeConfig(sc.Options)
		if err != nil {
			return nil, err
		}
		// path_template transforms mailbox names using {domain}, {localpart}, {email}
		// e.g., "{domain}/{localpart}" stores user@example.com in example.com/user
		return NewStore(sc.BasePath, cfg, sc.Options["path_template"]), nil
	})
}

// storeConfig builds the engine configuration from registry options:
// config_file names an sconf file, and lock_dir and stale_lock_seconds
// override it.
func storeConfig(opts map[string]string) (config.Config, error) {
	var f config.File
	if path := opts["config_file"]; path != "" {
		var err error
		if f, err = config.ParseFile(path); err != nil {
			return config.Config{}, fmt.Errorf("%w: %w", errors.ErrStoreConfigInvalid, err)
		}
	}
	if dir := opts["lock_dir"]; dir != "" {
		f.LockDir = dir
	}
	if v := opts["stale_lock_seconds"]; v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			return config.Config{}, fmt.Errorf("%w: stale_lock_seconds %q", errors.ErrStoreConfigInvalid, v)
		}
		f.StaleLockSeconds = n
	}
	cfg, err := config.Init(f)
	if err != nil {
		return config.Config{}, fmt.Errorf("%w: %w", errors.ErrStoreConfigInvalid, err)
	}
	return cfg, nil
}

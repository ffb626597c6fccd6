package maildir

import (
	"github.com/infodancer/mailstore"
	"github.com/infodancer/mailstore/errors"
)

func init() {
	mailstore.Register("maildir", func(config mailstore.StoreConfig) (mailstore.MailStore, error) {
		if config.BasePath == "" {
			return nil, errors.ErrStoreConfigInvalid
		}
		// maildir_subdir specifies the subdirectory under each user (e.g., "Maildir")
		maildirSubdir := config.Options["maildir_subdir"]
		// path_template transforms mailbox names using {domain}, {localpart}, {email}
		// e.g., "{domain}/users/{localpart}" transforms user@example.com to example.com/users/user
		pathTemplate := config.Options["path_template"]
		return NewStore(config.BasePath, maildirSubdir, pathTemplate), nil
	})
}

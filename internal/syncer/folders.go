package syncer

import (
	"strings"

	"github.com/zwy923/mailsift/internal/model"
)

// FilterFolders applies the account's include and exclude lists to the
// folders the server reported. An empty include list means every folder is
// eligible. Exclude wins over include, and matching is case-insensitive on
// the full folder path.
func FilterFolders(folders []string, acct *model.Account) []string {
	include := lowerSet(acct.FolderInclude)
	exclude := lowerSet(acct.FolderExclude)

	out := make([]string, 0, len(folders))
	for _, f := range folders {
		key := strings.ToLower(f)
		if exclude[key] {
			continue
		}
		if len(include) > 0 && !include[key] {
			continue
		}
		out = append(out, f)
	}
	return out
}

func lowerSet(values []string) map[string]bool {
	if len(values) == 0 {
		return nil
	}
	set := make(map[string]bool, len(values))
	for _, v := range values {
		set[strings.ToLower(strings.TrimSpace(v))] = true
	}
	return set
}

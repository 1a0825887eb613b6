package installer

import (
	"context"
	"encoding/json"
	"path"
	"strings"

	"github.com/nodekit-dev/nodekit"
)

// Uninstall removes name from the root package.json and deletes every
// package no longer reachable from the root manifest's dependency closure
// — the orphan-collection pass spec.md §4.C requires. It reports the names
// of the packages actually removed from node_modules, per acceptance
// scenario 4.
func (in *Installer) Uninstall(ctx context.Context, projectID, name string) ([]string, error) {
	rootFile, err := in.Repo.GetFile(projectID, "package.json")
	if err != nil {
		return nil, err
	}
	var root nodekit.PackageJSON
	if err := json.Unmarshal([]byte(rootFile.Content), &root); err != nil {
		return nil, err
	}
	delete(root.Dependencies, name)
	delete(root.DevDependencies, name)

	raw, err := json.MarshalIndent(root, "", "  ")
	if err != nil {
		return nil, err
	}
	if err := in.Repo.CreateFile(projectID, &nodekit.File{
		Path:    "package.json",
		Name:    "package.json",
		Type:    nodekit.FileTypeFile,
		Content: string(raw),
	}); err != nil {
		return nil, err
	}

	reachable, err := in.reachableFromRoot(projectID, root)
	if err != nil {
		return nil, err
	}

	entries, err := in.Repo.ListFiles(projectID, nodeModulesDir)
	if err != nil {
		return nil, err
	}
	removed := map[string]bool{}
	for _, f := range entries {
		pkgName, ok := installedPackageName(f.Path)
		if !ok || reachable[pkgName] {
			continue
		}
		if err := in.Repo.DeleteFile(projectID, f.Path); err != nil {
			return nil, err
		}
		removed[pkgName] = true
	}

	names := make([]string, 0, len(removed))
	for n := range removed {
		names = append(names, n)
	}
	return names, nil
}

// reachableFromRoot walks every package.json under node_modules reachable
// by BFS from root's direct dependencies.
func (in *Installer) reachableFromRoot(projectID string, root nodekit.PackageJSON) (map[string]bool, error) {
	reachable := map[string]bool{}
	queue := make([]string, 0, len(root.Dependencies)+len(root.DevDependencies))
	for name := range root.Dependencies {
		queue = append(queue, name)
	}
	for name := range root.DevDependencies {
		queue = append(queue, name)
	}
	for len(queue) > 0 {
		name := queue[0]
		queue = queue[1:]
		if reachable[name] {
			continue
		}
		reachable[name] = true
		pkgJSONPath := path.Join(nodeModulesDir, name, "package.json")
		f, err := in.Repo.GetFile(projectID, pkgJSONPath)
		if err != nil {
			continue // already gone, or never installed; not fatal for the walk
		}
		var pkg nodekit.PackageJSON
		if err := json.Unmarshal([]byte(f.Content), &pkg); err != nil {
			continue
		}
		for dep := range pkg.Dependencies {
			if !reachable[dep] {
				queue = append(queue, dep)
			}
		}
	}
	return reachable, nil
}

// installedPackageName extracts the package name (including scope) that
// owns a node_modules/<...> path, or false if the path is the .bin
// directory or otherwise not package-owned.
func installedPackageName(relPath string) (string, bool) {
	rest := strings.TrimPrefix(relPath, nodeModulesDir+"/")
	if rest == relPath {
		return "", false
	}
	parts := strings.SplitN(rest, "/", 3)
	if len(parts) == 0 {
		return "", false
	}
	if parts[0] == ".bin" {
		return "", false
	}
	if strings.HasPrefix(parts[0], "@") && len(parts) > 1 {
		return parts[0] + "/" + parts[1], true
	}
	return parts[0], true
}

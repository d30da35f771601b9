// Package archive packs named files into a UnixFS directory encoded as a
// CAR, and reads them back.
package archive

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"iter"
	"path"
	"sort"
	"strings"

	"github.com/ipfs/boxo/blockservice"
	"github.com/ipfs/boxo/exchange/offline"
	"github.com/ipfs/boxo/ipld/merkledag"
	ufsio "github.com/ipfs/boxo/ipld/unixfs/io"
	blocks "github.com/ipfs/go-block-format"
	"github.com/ipfs/go-cid"
	"github.com/ipfs/go-datastore"
	dssync "github.com/ipfs/go-datastore/sync"
	blockstore "github.com/ipfs/go-ipfs-blockstore"
	format "github.com/ipfs/go-ipld-format"
	cidlink "github.com/ipld/go-ipld-prime/linking/cid"
	"github.com/storacha/go-ucanto/core/car"
	"github.com/storacha/go-ucanto/core/ipld"
	"github.com/storacha/go-ucanto/core/ipld/block"
)

// ErrInvalidArchive is returned for CARs that are not a single-rooted
// directory of raw files.
var ErrInvalidArchive = errors.New("invalid archive")

// File is a named file. Names use "/" to nest directories.
type File struct {
	Name string
	Data []byte
}

func newDAGService() (blockstore.Blockstore, format.DAGService) {
	ds := dssync.MutexWrap(datastore.NewMapDatastore())
	bs := blockstore.NewBlockstore(ds)
	return bs, merkledag.NewDAGService(blockservice.New(bs, offline.Exchange(bs)))
}

// Build packs files into a CAR and returns it with its root CID. The same
// files always produce the same root.
func Build(ctx context.Context, files []File) ([]byte, cid.Cid, error) {
	_, dagService := newDAGService()

	root, err := buildDirectoryTree(ctx, dagService, files)
	if err != nil {
		return nil, cid.Undef, fmt.Errorf("build tree: %w", err)
	}

	nodes, err := collectBlocks(ctx, dagService, root.Cid())
	if err != nil {
		return nil, cid.Undef, fmt.Errorf("collect blocks: %w", err)
	}

	reader := car.Encode([]ipld.Link{cidlink.Link{Cid: root.Cid()}}, nodesToBlocks(nodes))
	defer reader.Close()

	data, err := io.ReadAll(reader)
	if err != nil {
		return nil, cid.Undef, fmt.Errorf("read CAR: %w", err)
	}
	return data, root.Cid(), nil
}

func nodesToBlocks(nodes []format.Node) iter.Seq2[ipld.Block, error] {
	return func(yield func(ipld.Block, error) bool) {
		for _, node := range nodes {
			blk := block.NewBlock(cidlink.Link{Cid: node.Cid()}, node.RawData())
			if !yield(blk, nil) {
				return
			}
		}
	}
}

type dirEntry struct {
	content  []byte
	children map[string]*dirEntry // nil for files
}

func buildDirectoryTree(ctx context.Context, dagService format.DAGService, files []File) (format.Node, error) {
	root := &dirEntry{children: make(map[string]*dirEntry)}

	for _, f := range files {
		if f.Name == "" || strings.HasPrefix(f.Name, "/") || path.Clean(f.Name) != f.Name {
			return nil, fmt.Errorf("invalid file name %q", f.Name)
		}
		parts := strings.Split(f.Name, "/")

		current := root
		for i, part := range parts {
			child, exists := current.children[part]
			if i == len(parts)-1 {
				if exists {
					return nil, fmt.Errorf("duplicate file name %q", f.Name)
				}
				current.children[part] = &dirEntry{content: f.Data}
				break
			}
			if !exists {
				child = &dirEntry{children: make(map[string]*dirEntry)}
				current.children[part] = child
			} else if child.children == nil {
				return nil, fmt.Errorf("%q is both a file and a directory", strings.Join(parts[:i+1], "/"))
			}
			current = child
		}
	}

	return buildDirNode(ctx, dagService, root)
}

func buildDirNode(ctx context.Context, dagService format.DAGService, entry *dirEntry) (format.Node, error) {
	dir, err := ufsio.NewDirectory(dagService)
	if err != nil {
		return nil, fmt.Errorf("create directory: %w", err)
	}

	names := make([]string, 0, len(entry.children))
	for name := range entry.children {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		child := entry.children[name]

		var childNode format.Node
		if child.children != nil {
			node, err := buildDirNode(ctx, dagService, child)
			if err != nil {
				return nil, fmt.Errorf("build subdir %s: %w", name, err)
			}
			childNode = node
		} else {
			node := merkledag.NewRawNode(child.content)
			if err := dagService.Add(ctx, node); err != nil {
				return nil, fmt.Errorf("add file %s: %w", name, err)
			}
			childNode = node
		}

		if err := dir.AddChild(ctx, name, childNode); err != nil {
			return nil, fmt.Errorf("add child %s: %w", name, err)
		}
	}

	node, err := dir.GetNode()
	if err != nil {
		return nil, fmt.Errorf("get directory node: %w", err)
	}
	if err := dagService.Add(ctx, node); err != nil {
		return nil, fmt.Errorf("add directory: %w", err)
	}
	return node, nil
}

// collectBlocks walks the DAG from root, each block once.
func collectBlocks(ctx context.Context, dagService format.DAGService, root cid.Cid) ([]format.Node, error) {
	var nodes []format.Node
	seen := make(map[cid.Cid]bool)

	var collect func(c cid.Cid) error
	collect = func(c cid.Cid) error {
		if seen[c] {
			return nil
		}
		seen[c] = true

		node, err := dagService.Get(ctx, c)
		if err != nil {
			return fmt.Errorf("get %s: %w", c, err)
		}
		nodes = append(nodes, node)

		for _, link := range node.Links() {
			if err := collect(link.Cid); err != nil {
				return err
			}
		}
		return nil
	}

	if err := collect(root); err != nil {
		return nil, err
	}
	return nodes, nil
}

// Extract reads a CAR produced by Build and returns its files, sorted by
// name.
func Extract(ctx context.Context, data []byte) ([]File, error) {
	roots, blks, err := car.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("%w: decode CAR: %v", ErrInvalidArchive, err)
	}
	if len(roots) != 1 {
		return nil, fmt.Errorf("%w: expected one root, got %d", ErrInvalidArchive, len(roots))
	}
	rootLink, ok := roots[0].(cidlink.Link)
	if !ok {
		return nil, fmt.Errorf("%w: unsupported root link %s", ErrInvalidArchive, roots[0])
	}

	bs, dagService := newDAGService()
	for blk, err := range blks {
		if err != nil {
			return nil, fmt.Errorf("%w: read block: %v", ErrInvalidArchive, err)
		}
		c := blk.Link().(cidlink.Link).Cid
		b, err := blocks.NewBlockWithCid(blk.Bytes(), c)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidArchive, err)
		}
		if err := bs.Put(ctx, b); err != nil {
			return nil, err
		}
	}

	var files []File
	if err := walk(ctx, dagService, rootLink.Cid, "", &files); err != nil {
		return nil, err
	}
	sort.Slice(files, func(i, j int) bool { return files[i].Name < files[j].Name })
	return files, nil
}

func walk(ctx context.Context, dagService format.DAGService, c cid.Cid, prefix string, files *[]File) error {
	node, err := dagService.Get(ctx, c)
	if err != nil {
		return fmt.Errorf("%w: missing block %s", ErrInvalidArchive, c)
	}
	if raw, ok := node.(*merkledag.RawNode); ok {
		if prefix == "" {
			return fmt.Errorf("%w: root is a file", ErrInvalidArchive)
		}
		*files = append(*files, File{Name: prefix, Data: raw.RawData()})
		return nil
	}

	dir, err := ufsio.NewDirectoryFromNode(dagService, node)
	if err != nil {
		return fmt.Errorf("%w: %s is not a directory: %v", ErrInvalidArchive, c, err)
	}
	return dir.ForEachLink(ctx, func(l *format.Link) error {
		name := l.Name
		if prefix != "" {
			name = prefix + "/" + l.Name
		}
		return walk(ctx, dagService, l.Cid, name, files)
	})
}

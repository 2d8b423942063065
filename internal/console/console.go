// Package console provides an interactive shell against a device's FTP
// server for ad-hoc file work.
package console

import (
	"context"
	"fmt"
	"os"
	"path"
	"sort"

	"github.com/abiosoft/ishell/v2"
	"github.com/jlaffaye/ftp"

	"github.com/mpsync/mpsync/internal/deploy"
	"github.com/mpsync/mpsync/internal/flashfs"
)

// Console is an interactive session with one device.
type Console struct {
	shell    *ishell.Shell
	client   *deploy.FTPClient
	deviceID string
	cwd      string

	// SyncFunc, when set, backs the "sync" command.
	SyncFunc func(ctx context.Context) error
}

// New creates a Console rooted at the device's remote directory.
func New(deviceID, remoteDir string, client *deploy.FTPClient) *Console {
	c := &Console{
		shell:    ishell.New(),
		client:   client,
		deviceID: deviceID,
		cwd:      remoteDir,
	}
	c.shell.SetPrompt(fmt.Sprintf("%s:%s > ", deviceID, c.cwd))
	c.addCommands()
	return c
}

// Run starts the interactive loop.
func (c *Console) Run() {
	c.shell.Printf("connected to %s, type \"help\" for commands\n", c.deviceID)
	c.shell.Run()
}

// resolve turns a command argument into an absolute remote path.
func (c *Console) resolve(arg string) string {
	if path.IsAbs(arg) {
		return path.Clean(arg)
	}
	return path.Join(c.cwd, arg)
}

func (c *Console) setPrompt() {
	c.shell.SetPrompt(fmt.Sprintf("%s:%s > ", c.deviceID, c.cwd))
}

func (c *Console) addCommands() {
	c.shell.AddCmd(&ishell.Cmd{
		Name: "ls",
		Help: "list the current remote directory",
		Func: func(ctx *ishell.Context) {
			dir := c.cwd
			if len(ctx.Args) > 0 {
				dir = c.resolve(ctx.Args[0])
			}
			entries, err := c.client.List(context.Background(), dir)
			if err != nil {
				ctx.Err(err)
				return
			}
			sort.Slice(entries, func(i, j int) bool { return entries[i].Name < entries[j].Name })
			for _, entry := range entries {
				if entry.Name == "." || entry.Name == ".." {
					continue
				}
				if entry.Type == ftp.EntryTypeFolder {
					ctx.Printf("%10s  %s/\n", "", entry.Name)
				} else {
					ctx.Printf("%10d  %s\n", entry.Size, entry.Name)
				}
			}
		},
	})

	c.shell.AddCmd(&ishell.Cmd{
		Name: "cd",
		Help: "change the remote directory",
		Func: func(ctx *ishell.Context) {
			if len(ctx.Args) != 1 {
				ctx.Err(fmt.Errorf("usage: cd DIR"))
				return
			}
			c.cwd = c.resolve(ctx.Args[0])
			c.setPrompt()
		},
	})

	c.shell.AddCmd(&ishell.Cmd{
		Name: "pwd",
		Help: "print the remote directory",
		Func: func(ctx *ishell.Context) {
			ctx.Println(c.cwd)
		},
	})

	c.shell.AddCmd(&ishell.Cmd{
		Name: "cat",
		Help: "print a remote file",
		Func: func(ctx *ishell.Context) {
			if len(ctx.Args) != 1 {
				ctx.Err(fmt.Errorf("usage: cat FILE"))
				return
			}
			if _, err := c.client.Retrieve(context.Background(), c.resolve(ctx.Args[0]), os.Stdout); err != nil {
				ctx.Err(err)
			}
		},
	})

	c.shell.AddCmd(&ishell.Cmd{
		Name: "get",
		Help: "download a remote file: get FILE [LOCAL]",
		Func: func(ctx *ishell.Context) {
			if len(ctx.Args) < 1 || len(ctx.Args) > 2 {
				ctx.Err(fmt.Errorf("usage: get FILE [LOCAL]"))
				return
			}
			remote := c.resolve(ctx.Args[0])
			local := path.Base(remote)
			if len(ctx.Args) == 2 {
				local = ctx.Args[1]
			}
			f, err := os.Create(local) // #nosec G304 - destination chosen interactively by the operator
			if err != nil {
				ctx.Err(err)
				return
			}
			fi, err := c.client.Retrieve(context.Background(), remote, f)
			if closeErr := f.Close(); err == nil {
				err = closeErr
			}
			if err != nil {
				ctx.Err(err)
				return
			}
			ctx.Printf("%s: %d bytes\n", local, fi.Size())
		},
	})

	c.shell.AddCmd(&ishell.Cmd{
		Name: "put",
		Help: "upload a local file: put LOCAL [REMOTE]",
		Func: func(ctx *ishell.Context) {
			if len(ctx.Args) < 1 || len(ctx.Args) > 2 {
				ctx.Err(fmt.Errorf("usage: put LOCAL [REMOTE]"))
				return
			}
			local := ctx.Args[0]
			remote := path.Base(local)
			if len(ctx.Args) == 2 {
				remote = ctx.Args[1]
			}
			fi, err := flashfs.FromFile(local, remote)
			if err != nil {
				ctx.Err(err)
				return
			}
			lf := deploy.LocalFile{LocalPath: local, Info: fi}
			if err := c.client.Upload(context.Background(), c.cwd, lf, nil); err != nil {
				ctx.Err(err)
				return
			}
			ctx.Printf("%s: %d bytes\n", remote, fi.Size())
		},
	})

	c.shell.AddCmd(&ishell.Cmd{
		Name: "rm",
		Help: "delete a remote file",
		Func: func(ctx *ishell.Context) {
			if len(ctx.Args) != 1 {
				ctx.Err(fmt.Errorf("usage: rm FILE"))
				return
			}
			if err := c.client.Delete(context.Background(), c.resolve(ctx.Args[0])); err != nil {
				ctx.Err(err)
			}
		},
	})

	c.shell.AddCmd(&ishell.Cmd{
		Name: "mkdir",
		Help: "create a remote directory",
		Func: func(ctx *ishell.Context) {
			if len(ctx.Args) != 1 {
				ctx.Err(fmt.Errorf("usage: mkdir DIR"))
				return
			}
			if err := c.client.MakeDirAll(context.Background(), c.resolve(ctx.Args[0])); err != nil {
				ctx.Err(err)
			}
		},
	})

	c.shell.AddCmd(&ishell.Cmd{
		Name: "sync",
		Help: "run a full sync for this device",
		Func: func(ctx *ishell.Context) {
			if c.SyncFunc == nil {
				ctx.Err(fmt.Errorf("sync is not available in this session"))
				return
			}
			if err := c.SyncFunc(context.Background()); err != nil {
				ctx.Err(err)
			}
		},
	})
}

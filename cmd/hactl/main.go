package main

import (
	"fmt"
	"io"
	"net/url"
	"os"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
)

func main() {
	_ = godotenv.Load()

	if err := newRootCmd(os.Stdout).Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err.Error())
		os.Exit(1)
	}
}

// newRootCmd 构建 hactl 命令树
func newRootCmd(stdout io.Writer) *cobra.Command {
	var (
		baseURL = envOr("CVP_STANDBY_URL", "http://localhost:8080")
		token   = envOr("CVP_STANDBY_TOKEN", "")
		out     = envOr("CVP_STANDBY_OUT", "text")
		timeout = 30 * time.Second
		cl      *client
	)

	root := &cobra.Command{
		Use:           "hactl",
		Short:         "cvp-standby 运维命令行",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if out != "text" && out != "json" {
				return fmt.Errorf("--out must be text or json, got %q", out)
			}
			cl = newClient(baseURL, token, out, timeout, stdout)
			return nil
		},
	}
	root.SetOut(stdout)
	root.PersistentFlags().StringVar(&baseURL, "url", baseURL, "API 地址 (env CVP_STANDBY_URL)")
	root.PersistentFlags().StringVar(&token, "token", token, "运维 Token (env CVP_STANDBY_TOKEN)")
	root.PersistentFlags().StringVar(&out, "out", out, "输出格式: json|text")
	root.PersistentFlags().DurationVar(&timeout, "timeout", timeout, "请求超时")

	// status
	root.AddCommand(&cobra.Command{
		Use:   "status",
		Short: "系统概览：集群可达性、设备状态分布、最近事件",
		RunE: func(cmd *cobra.Command, args []string) error {
			return cl.call("status", "GET", "/api/stats", nil, nil)
		},
	})

	// clusters
	var clusterRegion string
	clustersCmd := &cobra.Command{
		Use:   "clusters [id]",
		Short: "列出集群或查看单个集群",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if len(args) == 1 {
				return cl.call("clusters", "GET", "/api/clusters/"+url.PathEscape(args[0]), nil, nil)
			}
			return cl.call("clusters", "GET", "/api/clusters"+query("region", clusterRegion), nil, nil)
		},
	}
	clustersCmd.Flags().StringVar(&clusterRegion, "region", "", "按区域过滤")
	root.AddCommand(clustersCmd)

	// devices
	var deviceRegion string
	devicesCmd := &cobra.Command{
		Use:   "devices [id]",
		Short: "列出设备或查看单台设备",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if len(args) == 1 {
				return cl.call("devices", "GET", "/api/devices/"+url.PathEscape(args[0]), nil, nil)
			}
			return cl.call("devices", "GET", "/api/devices"+query("region", deviceRegion), nil, nil)
		},
	}
	devicesCmd.Flags().StringVar(&deviceRegion, "region", "", "按区域过滤")
	root.AddCommand(devicesCmd)

	// states
	var stateRegion string
	statesCmd := &cobra.Command{
		Use:   "states [device-id]",
		Short: "查看设备切换状态",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if len(args) == 1 {
				return cl.call("states", "GET", "/api/failover/states/"+url.PathEscape(args[0]), nil, nil)
			}
			return cl.call("states", "GET", "/api/failover/states"+query("region", stateRegion), nil, nil)
		},
	}
	statesCmd.Flags().StringVar(&stateRegion, "region", "", "按区域过滤")
	root.AddCommand(statesCmd)

	// promote / restore
	root.AddCommand(commandCmd(&cl, "promote", "将降级设备的配置权交给备集群", "/api/failover/promote"))
	root.AddCommand(commandCmd(&cl, "restore", "将配置权归还主集群", "/api/failover/restore"))

	// cancel
	root.AddCommand(&cobra.Command{
		Use:   "cancel",
		Short: "取消尚未提交的运维命令",
		RunE: func(cmd *cobra.Command, args []string) error {
			return cl.call("cancel", "POST", "/api/failover/cancel", nil, nil)
		},
	})

	// resolve
	var resolveDevice, resolveCluster, resolveReason string
	resolveCmd := &cobra.Command{
		Use:   "resolve",
		Short: "为双故障设备人工指定配置权归属",
		RunE: func(cmd *cobra.Command, args []string) error {
			if resolveDevice == "" || resolveCluster == "" {
				return fmt.Errorf("--device and --cluster are required")
			}
			payload := map[string]any{
				"device_id":  resolveDevice,
				"cluster_id": resolveCluster,
				"reason":     resolveReason,
			}
			return cl.call("resolve", "POST", "/api/failover/resolve", payload, idempotencyHeader())
		},
	}
	resolveCmd.Flags().StringVar(&resolveDevice, "device", "", "设备 ID")
	resolveCmd.Flags().StringVar(&resolveCluster, "cluster", "", "目标集群 ID")
	resolveCmd.Flags().StringVar(&resolveReason, "reason", "", "原因（写入审计记录）")
	root.AddCommand(resolveCmd)

	// events
	var eventRegion string
	var eventLimit int
	eventsCmd := &cobra.Command{
		Use:   "events",
		Short: "列出故障切换审计记录",
		RunE: func(cmd *cobra.Command, args []string) error {
			v := url.Values{}
			if eventRegion != "" {
				v.Set("region", eventRegion)
			}
			v.Set("limit", strconv.Itoa(eventLimit))
			return cl.call("events", "GET", "/api/failover/events?"+v.Encode(), nil, nil)
		},
	}
	eventsCmd.Flags().StringVar(&eventRegion, "region", "", "按区域过滤")
	eventsCmd.Flags().IntVar(&eventLimit, "limit", 20, "条数")
	root.AddCommand(eventsCmd)

	return root
}

// commandCmd 构建 promote/restore 子命令
// 每次调用携带新的幂等键，HTTP 层重试时不会重复执行
func commandCmd(cl **client, name, short, path string) *cobra.Command {
	var target, reason string
	var devices []string
	var force bool

	cmd := &cobra.Command{
		Use:   name,
		Short: short,
		RunE: func(cmd *cobra.Command, args []string) error {
			if target == "" {
				return fmt.Errorf("--target is required")
			}
			payload := map[string]any{
				"target":     target,
				"device_ids": devices,
				"reason":     reason,
			}
			if force {
				payload["force"] = true
			}
			return (*cl).call(name, "POST", path, payload, idempotencyHeader())
		},
	}
	cmd.Flags().StringVar(&target, "target", "", "目标集群 ID")
	cmd.Flags().StringSliceVar(&devices, "devices", nil, "设备 ID，逗号分隔；为空表示区域内所有符合条件的设备")
	cmd.Flags().StringVar(&reason, "reason", "", "原因（写入审计记录）")
	if name == "restore" {
		cmd.Flags().BoolVar(&force, "force", false, "跳过稳定期，回切仍处于 failed_over 的设备")
	}
	return cmd
}

func idempotencyHeader() map[string]string {
	return map[string]string{"Idempotency-Key": uuid.NewString()}
}

func query(key, value string) string {
	if value == "" {
		return ""
	}
	return "?" + url.Values{key: []string{value}}.Encode()
}

func envOr(k, def string) string {
	if v := os.Getenv(k); v != "" {
		return v
	}
	return def
}

package airflow

// initScript prepares the bound host directories and bootstraps the
// metadata database. The final check replaces the shell so its status is
// the container's exit status.
const initScript = `if [[ -z "${AIRFLOW_UID}" ]]; then
    echo
    echo -e "\033[1;33mWARNING!!!: AIRFLOW_UID not set!\e[0m"
    echo "Files created under the mounted directories will be owned by root."
    echo
fi
mkdir -p /sources/logs /sources/dags /sources/plugins
chown -R "${AIRFLOW_UID:-0}:0" /sources/{logs,dags,plugins}
echo "airflow version"
/entrypoint airflow db version
echo "db init"
/entrypoint airflow db init
echo "db migrate"
/entrypoint airflow db migrate
exec /entrypoint airflow db check
`
